package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/environment"
	"github.com/geoforge/tilerd/pkg/utils"
	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a datasource id the registry does not know.
var ErrNotFound = errors.New("datasource not found")

// Invalidator drops cached tile state of a datasource. The tile cache
// implements it; deletes and reloads go through it so stale archives do
// not serve tiles of a gone datasource.
type Invalidator interface {
	Forget(datasourceID string)
}

// Registry keeps the validated descriptors of all known datasources.
//
// The datasource table is the source of truth; the in-memory view is
// rebuilt from it with Resync and folded forward by the mutating
// operations. Reads never touch the database.
type Registry struct {
	store  tdb.DatasourceInterface
	schema tdb.SchemaInterface
	layout *environment.Layout
	inval  Invalidator
	logger *log.Logger

	mu   sync.RWMutex
	byID map[string]*Descriptor
}

type Option func(*Registry)

// WithSchema enables layer storage validation against the spatial
// database. Without it only document-shape rules are checked.
func WithSchema(schema tdb.SchemaInterface) Option {
	return func(r *Registry) { r.schema = schema }
}

// WithLayout points the registry at the directory layout holding
// descriptor files and generated tile state.
func WithLayout(layout environment.Layout) Option {
	return func(r *Registry) { r.layout = &layout }
}

// WithInvalidator registers the cache invalidation hook.
func WithInvalidator(inval Invalidator) Option {
	return func(r *Registry) { r.inval = inval }
}

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func New(store tdb.DatasourceInterface, options ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: log.New("datasource"),
		byID:   map[string]*Descriptor{},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Resync replaces the in-memory view with the datasource table
// contents. Rows whose documents no longer parse are skipped with a
// warning so a single corrupt row cannot take the registry down.
func (r *Registry) Resync(ctx context.Context) error {
	rows, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*Descriptor, len(rows))
	for _, row := range rows {
		d, err := Parse(row.Data)
		if err != nil {
			r.logger.Warnf("skipping datasource '%s': %s", row.Identifier, err)
			continue
		}
		byID[row.Identifier] = d
	}
	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Get returns the descriptor of a datasource.
func (r *Registry) Get(datasourceID string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[datasourceID]
	return d, ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return utils.Sorted(utils.ValuesOf(r.byID), func(a, b *Descriptor) bool {
		return a.ID < b.ID
	})
}

// Create validates and persists a new descriptor.
//
// Args:
//
// - ctx
//
// - raw: the descriptor document as posted.
//
// Returns:
//
// - string: the id of the created datasource, generated when the
// document carries none.
//
// - []ValidationError: document violations. Non-empty means nothing was
// persisted.
//
// - error: database failures. When the id is taken, one retry under a
// fresh id is attempted before giving up with tdb.ErrConflict.
func (r *Registry) Create(ctx context.Context, raw []byte) (string, []ValidationError, error) {
	d, verrs, err := r.check(ctx, raw)
	if err != nil || len(verrs) != 0 {
		return "", verrs, err
	}
	row, err := d.row()
	if err != nil {
		return "", nil, err
	}
	if err := r.store.Create(ctx, row); err != nil {
		if !errors.Is(err, tdb.ErrConflict) {
			return "", nil, err
		}
		d.ID = uuid.NewString()
		if row, err = d.row(); err != nil {
			return "", nil, err
		}
		if err := r.store.Create(ctx, row); err != nil {
			return "", nil, err
		}
	}
	r.refresh(ctx, d)
	return d.ID, nil, nil
}

// Update validates and replaces the stored document of a datasource.
//
// Returns tdb.ErrMissing through error when no datasource carries the
// document's id.
func (r *Registry) Update(ctx context.Context, raw []byte) (string, []ValidationError, error) {
	d, verrs, err := r.check(ctx, raw)
	if err != nil || len(verrs) != 0 {
		return "", verrs, err
	}
	row, err := d.row()
	if err != nil {
		return "", nil, err
	}
	if err := r.store.Update(ctx, row); err != nil {
		return "", nil, err
	}
	r.refresh(ctx, d)
	return d.ID, nil, nil
}

// Delete removes a datasource together with its generated tiles and
// source data.
//
// Returns tdb.ErrMissing when no datasource carries the id. File
// removal failures are logged without failing the delete; the database
// row is already gone at that point.
func (r *Registry) Delete(ctx context.Context, datasourceID string) error {
	if err := r.store.Delete(ctx, datasourceID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, datasourceID)
	r.mu.Unlock()
	if r.inval != nil {
		r.inval.Forget(datasourceID)
	}
	if r.layout != nil {
		for _, dir := range []string{
			r.layout.DatasourceTileDir(datasourceID),
			r.layout.DatasetDir(datasourceID),
		} {
			if err := os.RemoveAll(dir); err != nil {
				r.logger.Warnf("removing %s: %s", dir, err)
			}
		}
	}
	return nil
}

// LoadReport sums up a descriptor file scan.
type LoadReport struct {
	LoadVectorDatasources int               `json:"load_vector_datasources"`
	LoadRasterDatasources int               `json:"load_raster_datasources"`
	Errors                []ValidationError `json:"errors"`
}

// LoadFiles upserts every descriptor file found under the vector and
// raster descriptor directories.
//
// Files are JSON, or YAML recoded to JSON ahead of the shared
// validation path. A file that fails validation is reported and
// skipped, its error locations prefixed with the file name. Ids are
// generated for documents carrying none.
func (r *Registry) LoadFiles(ctx context.Context) (*LoadReport, error) {
	report := &LoadReport{Errors: []ValidationError{}}
	if r.layout == nil {
		return report, nil
	}
	for _, dir := range []string{r.layout.VectorDir(), r.layout.RasterDir()} {
		if err := r.loadDir(ctx, dir, report); err != nil {
			return nil, err
		}
	}
	if err := r.Resync(ctx); err != nil {
		return nil, err
	}
	return report, nil
}

// ReloadFiles drops the listed datasources and rescans the descriptor
// directories. Ids the table does not know are ignored.
func (r *Registry) ReloadFiles(ctx context.Context, ids []string) (*LoadReport, error) {
	for _, id := range ids {
		if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, tdb.ErrMissing) {
			return nil, err
		}
		r.mu.Lock()
		delete(r.byID, id)
		r.mu.Unlock()
		if r.inval != nil {
			r.inval.Forget(id)
		}
	}
	return r.LoadFiles(ctx)
}

func (r *Registry) loadDir(ctx context.Context, dir string, report *LoadReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		raw, ok, err := readDescriptorFile(filepath.Join(dir, name))
		if err != nil {
			report.Errors = append(report.Errors, ValidationError{
				Type:     "file_invalid",
				Location: []interface{}{"file", name},
				Message:  err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		d, verrs, err := r.check(ctx, raw)
		if err != nil {
			return err
		}
		if len(verrs) != 0 {
			for _, verr := range verrs {
				verr.Location = append([]interface{}{"file", name}, verr.Location...)
				report.Errors = append(report.Errors, verr)
			}
			continue
		}
		if err := r.upsert(ctx, d); err != nil {
			return err
		}
		switch d.Type {
		case Vector:
			report.LoadVectorDatasources++
		case Raster:
			report.LoadRasterDatasources++
		}
	}
	return nil
}

// readDescriptorFile reads a descriptor file as JSON. The second result
// is false for extensions that are not descriptor documents.
func readDescriptorFile(path string) ([]byte, bool, error) {
	ext := filepath.Ext(path)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if ext == ".json" {
		return raw, true, nil
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// check runs the shared ingress path: decode, defaults, shape rules and,
// when a schema is wired, layer storage rules.
func (r *Registry) check(ctx context.Context, raw []byte) (*Descriptor, []ValidationError, error) {
	d, err := Parse(raw)
	if err != nil {
		return nil, []ValidationError{{
			Type:     "json_invalid",
			Location: []interface{}{"body"},
			Message:  err.Error(),
		}}, nil
	}
	verrs := d.Validate()
	if len(verrs) == 0 && r.schema != nil {
		serrs, err := d.ValidateStorage(ctx, r.schema)
		if err != nil {
			return nil, nil, err
		}
		verrs = append(verrs, serrs...)
	}
	return d, verrs, nil
}

func (r *Registry) upsert(ctx context.Context, d *Descriptor) error {
	row, err := d.row()
	if err != nil {
		return err
	}
	err = r.store.Create(ctx, row)
	if errors.Is(err, tdb.ErrConflict) {
		err = r.store.Update(ctx, row)
	}
	return err
}

// refresh folds a persisted descriptor into the in-memory view. The
// mutation is committed at this point, so a failing Resync falls back
// to patching the map locally.
func (r *Registry) refresh(ctx context.Context, d *Descriptor) {
	if err := r.Resync(ctx); err != nil {
		r.logger.Warnf("datasource resync failed: %s", err)
		r.mu.Lock()
		r.byID[d.ID] = d
		r.mu.Unlock()
	}
}

// row renders the descriptor as a datasource table row.
func (d *Descriptor) row() (tdb.Datasource, error) {
	doc, err := d.Document()
	if err != nil {
		return tdb.Datasource{}, err
	}
	row := tdb.Datasource{
		Identifier:  d.ID,
		DataType:    d.Type,
		MBTiles:     d.MBTiles,
		Description: d.Description,
		Attribution: d.Attribution,
		MinZoom:     d.MinZoom,
		MaxZoom:     d.MaxZoom,
		Data:        doc,
	}
	if ds := d.DataStore; ds != nil {
		row.StoreType = ds.Store
		row.Host = ds.Host
		row.Port = ds.Port
	}
	if d.Bounds != nil {
		if row.Bounds, err = json.Marshal(d.Bounds); err != nil {
			return tdb.Datasource{}, err
		}
	}
	if len(d.Center) != 0 {
		if row.Center, err = json.Marshal(d.Center); err != nil {
			return tdb.Datasource{}, err
		}
	}
	return row, nil
}
