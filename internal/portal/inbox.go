package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bcdev/calvalus-portal/internal/model"
	yamlutil "github.com/bcdev/calvalus-portal/internal/yaml"
)

const (
	orderedDirName     = "ordered"
	quarantineDirName  = "quarantine"
	defaultDebounceSec = 0.5
)

// RequestFile is the on-disk form of a production request dropped into the
// inbox.
type RequestFile struct {
	yamlutil.SchemaHeader   `yaml:",inline"`
	model.ProductionRequest `yaml:",inline"`
}

// OrderFunc submits one request from the inbox.
type OrderFunc func(ctx context.Context, req *model.ProductionRequest) error

// Inbox orders every request file placed in its directory exactly once.
// Ordered files move to ordered/, rejected ones to quarantine/.
type Inbox struct {
	dir         string
	order       OrderFunc
	debounce    time.Duration
	logger      zerolog.Logger
	scanMu      sync.Mutex
	ordered     int
	quarantined int
}

func NewInbox(dir string, order OrderFunc, debounceSec float64, logger zerolog.Logger) *Inbox {
	if debounceSec <= 0 {
		debounceSec = defaultDebounceSec
	}
	return &Inbox{
		dir:      dir,
		order:    order,
		debounce: time.Duration(debounceSec * float64(time.Second)),
		logger:   logger.With().Str("component", "inbox").Str("dir", dir).Logger(),
	}
}

func (in *Inbox) Dir() string { return in.dir }

// Counts returns how many files were ordered and quarantined so far.
func (in *Inbox) Counts() (ordered, quarantined int) {
	in.scanMu.Lock()
	defer in.scanMu.Unlock()
	return in.ordered, in.quarantined
}

// Scan processes all pending request files in name order.
func (in *Inbox) Scan(ctx context.Context) error {
	in.scanMu.Lock()
	defer in.scanMu.Unlock()

	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isRequestFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		in.process(ctx, filepath.Join(in.dir, name))
	}
	return nil
}

func (in *Inbox) process(ctx context.Context, path string) {
	log := in.logger.With().Str("file", filepath.Base(path)).Logger()

	req, err := readRequestFile(path)
	if err == nil {
		err = in.order(ctx, req)
	}
	if ctx.Err() != nil || errors.Is(err, ErrClosed) {
		// leave the file for the next run
		return
	}
	if err != nil {
		dst, qerr := yamlutil.Quarantine(filepath.Join(in.dir, quarantineDirName), path)
		if qerr != nil {
			log.Error().Err(qerr).Msg("cannot quarantine rejected request")
			return
		}
		in.quarantined++
		log.Warn().Err(err).Str("quarantined_to", dst).Msg("request rejected")
		return
	}

	doneDir := filepath.Join(in.dir, orderedDirName)
	if err := os.MkdirAll(doneDir, 0755); err != nil {
		log.Error().Err(err).Msg("create ordered dir")
		return
	}
	reqID := model.NewRequestID()
	dst := filepath.Join(doneDir, reqID+"-"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Error().Err(err).Str("request_id", reqID).Msg("request ordered but could not be moved")
		return
	}
	in.ordered++
	log.Info().Str("request_id", reqID).Str("production_type", req.ProductionType).Msg("request ordered")
}

func readRequestFile(path string) (*model.ProductionRequest, error) {
	if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeProductionRequest); err != nil {
		return nil, err
	}
	var rf RequestFile
	if err := yamlutil.Load(path, &rf); err != nil {
		return nil, err
	}
	req := rf.ProductionRequest
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// LoadRequest reads a request file as written to the inbox, or a bare
// request without schema header.
func LoadRequest(path string) (*model.ProductionRequest, error) {
	var rf RequestFile
	if err := yamlutil.Load(path, &rf); err != nil {
		return nil, err
	}
	if rf.FileType != "" && rf.FileType != yamlutil.FileTypeProductionRequest {
		return nil, fmt.Errorf("%s: file_type %q is not a production request", path, rf.FileType)
	}
	return &rf.ProductionRequest, nil
}

func isRequestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Watch scans once, then again shortly after files are created or written,
// until ctx is cancelled.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	if err := in.Scan(ctx); err != nil && ctx.Err() == nil {
		in.logger.Error().Err(err).Msg("initial inbox scan failed")
	}

	debounce := time.NewTimer(in.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRequestFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				in.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("inbox event")
				debounce.Reset(in.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error().Err(err).Msg("fsnotify error")
		case <-debounce.C:
			if err := in.Scan(ctx); err != nil && ctx.Err() == nil {
				in.logger.Error().Err(err).Msg("inbox scan failed")
			}
		}
	}
}
