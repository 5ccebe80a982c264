package collector

import "time"

const (
	groupFileSystem = "org.apache.hadoop.mapreduce.FileSystemCounter"
	groupTask       = "org.apache.hadoop.mapreduce.TaskCounter"
	groupJob        = "org.apache.hadoop.mapreduce.JobCounter"

	bytesPerMB = 1024 * 1024
)

// UsageReport is one line of a report file.
type UsageReport struct {
	JobID          string `json:"job_id"`
	JobName        string `json:"job_name"`
	User           string `json:"user"`
	Queue          string `json:"queue"`
	State          string `json:"state"`
	StartTime      int64  `json:"start_time"`
	FinishTime     int64  `json:"finish_time"`
	ProductionID   string `json:"production_id,omitempty"`
	ProductionName string `json:"production_name,omitempty"`
	ProductionType string `json:"production_type,omitempty"`
	Processor      string `json:"processor,omitempty"`

	MapsTotal    int `json:"maps_total"`
	ReducesTotal int `json:"reduces_total"`

	HDFSMBRead    int64 `json:"hdfs_mb_read"`
	HDFSMBWritten int64 `json:"hdfs_mb_written"`
	FileMBRead    int64 `json:"file_mb_read"`
	FileMBWritten int64 `json:"file_mb_written"`

	CPUMillis   int64 `json:"cpu_millis"`
	MBMillis    int64 `json:"mb_millis"`
	VcoreMillis int64 `json:"vcore_millis"`
}

// FinishDay is the UTC day the job finished, the report file it belongs to.
func (r *UsageReport) FinishDay() string {
	return time.UnixMilli(r.FinishTime).UTC().Format("2006-01-02")
}

// Transform combines the job entry with its configuration and counters.
func Transform(job Job, conf Conf, counters Counters) UsageReport {
	r := UsageReport{
		JobID:          job.ID,
		JobName:        job.Name,
		User:           firstNonEmpty(conf["calvalus.user"], job.User),
		Queue:          job.Queue,
		State:          job.State,
		StartTime:      job.StartTime,
		FinishTime:     job.FinishTime,
		ProductionID:   conf["calvalus.productionId"],
		ProductionName: conf["calvalus.productionName"],
		ProductionType: conf["calvalus.productionType"],
		Processor:      firstNonEmpty(conf["calvalus.l2.operator"], conf["calvalus.l2.bundle"]),
		MapsTotal:      job.MapsTotal,
		ReducesTotal:   job.ReducesTotal,
	}

	r.HDFSMBRead = counters.Get(groupFileSystem, "HDFS_BYTES_READ") / bytesPerMB
	r.HDFSMBWritten = counters.Get(groupFileSystem, "HDFS_BYTES_WRITTEN") / bytesPerMB
	r.FileMBRead = counters.Get(groupFileSystem, "FILE_BYTES_READ") / bytesPerMB
	r.FileMBWritten = counters.Get(groupFileSystem, "FILE_BYTES_WRITTEN") / bytesPerMB

	r.CPUMillis = counters.Get(groupTask, "CPU_MILLISECONDS")
	r.MBMillis = counters.Get(groupJob, "MB_MILLIS_MAPS") + counters.Get(groupJob, "MB_MILLIS_REDUCES")
	r.VcoreMillis = counters.Get(groupJob, "VCORES_MILLIS_MAPS") + counters.Get(groupJob, "VCORES_MILLIS_REDUCES")
	return r
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
