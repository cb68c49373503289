package datasource

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	tdb "github.com/geoforge/tilerd/pkg/db"
	"github.com/geoforge/tilerd/pkg/utils/pointer"
)

// ValidationError locates a single violation inside a descriptor
// document. Location is a path of keys and indexes pointing at the
// offending member.
type ValidationError struct {
	Type     string        `json:"type"`
	Location []interface{} `json:"location"`
	Message  string        `json:"message"`
}

func missingErr(loc ...interface{}) ValidationError {
	return ValidationError{Type: "missing", Location: loc, Message: "field required"}
}

func valueErr(msg string, loc ...interface{}) ValidationError {
	return ValidationError{Type: "value_error", Location: loc, Message: msg}
}

func zoomValid(z int) bool {
	return z >= MinZoomLimit && z <= MaxZoomLimit
}

// Validate checks the descriptor against the rules of its kind.
//
// All violations are collected, not only the first. An empty result
// means the document is well formed. Call after Normalize; absent
// required members are detected through the sentinels it leaves in
// place.
func (d *Descriptor) Validate() []ValidationError {
	var errs []ValidationError

	switch d.Type {
	case Raster:
		errs = append(errs, d.validateRaster()...)
	case Vector:
		errs = append(errs, d.validateVector()...)
	default:
		errs = append(errs, valueErr(
			fmt.Sprintf("type must be '%s' or '%s'", Vector, Raster), "type",
		))
	}

	errs = append(errs, d.validateZooms()...)
	errs = append(errs, d.validateGeography()...)
	return errs
}

func (d *Descriptor) validateZooms() []ValidationError {
	var errs []ValidationError
	switch {
	case d.MinZoom == -1:
		errs = append(errs, missingErr("minzoom"))
	case !zoomValid(d.MinZoom):
		errs = append(errs, valueErr("minzoom must be between 0 and 20", "minzoom"))
	}
	switch {
	case d.MaxZoom == -1:
		errs = append(errs, missingErr("maxzoom"))
	case !zoomValid(d.MaxZoom):
		errs = append(errs, valueErr("maxzoom must be between 0 and 20", "maxzoom"))
	}
	if zoomValid(d.MinZoom) && zoomValid(d.MaxZoom) && d.MinZoom > d.MaxZoom {
		errs = append(errs, valueErr("minzoom must be less than or equal to maxzoom", "minzoom"))
	}
	return errs
}

func (d *Descriptor) validateGeography() []ValidationError {
	var errs []ValidationError
	if b := d.Bounds; b != nil {
		for _, m := range []struct {
			name     string
			value    float64
			min, max float64
		}{
			{"lng_w", b.LngW, -180, 180},
			{"lat_s", b.LatS, -90, 90},
			{"lng_e", b.LngE, -180, 180},
			{"lat_n", b.LatN, -90, 90},
		} {
			switch {
			case math.IsNaN(m.value):
				errs = append(errs, missingErr("bounds", m.name))
			case m.value < m.min || m.value > m.max:
				errs = append(errs, valueErr(
					fmt.Sprintf("%s must be between %v and %v", m.name, m.min, m.max),
					"bounds", m.name,
				))
			}
		}
	}
	if c := d.Center; len(c) != 0 {
		if len(c) < 2 || len(c) > 3 {
			errs = append(errs, valueErr("center must be [lng, lat] or [lng, lat, zoom]", "center"))
			return errs
		}
		if c[0] < -180 || c[0] > 180 {
			errs = append(errs, valueErr("center longitude must be between -180 and 180", "center"))
		}
		if c[1] < -90 || c[1] > 90 {
			errs = append(errs, valueErr("center latitude must be between -90 and 90", "center"))
		}
		if len(c) == 3 {
			z := int(c[2])
			switch {
			case !zoomValid(z):
				errs = append(errs, valueErr("center zoom must be between 0 and 20", "center"))
			case zoomValid(d.MinZoom) && zoomValid(d.MaxZoom) && (z < d.MinZoom || z > d.MaxZoom):
				errs = append(errs, valueErr("center zoom must be within the datasource zoom range", "center"))
			}
		}
		if b := d.Bounds; b != nil && b.complete() {
			if c[0] < b.LngW || c[0] > b.LngE || c[1] < b.LatS || c[1] > b.LatN {
				errs = append(errs, valueErr("center must be within bounds", "center"))
			}
		}
	}
	return errs
}

func (d *Descriptor) validateStore(ds *DataStore) []ValidationError {
	var errs []ValidationError
	if ds.Type != "" && ds.Type != d.Type {
		errs = append(errs, valueErr(
			fmt.Sprintf("dataStore type must be '%s'", d.Type), "dataStore", "type",
		))
	}
	if !slices.Contains(stores, ds.Store) {
		errs = append(errs, valueErr(
			fmt.Sprintf("store must be one of %s", strings.Join(stores, ", ")),
			"dataStore", "store",
		))
	}
	return errs
}

func (d *Descriptor) validateRaster() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(encodings, d.Encoding) {
		errs = append(errs, valueErr(
			fmt.Sprintf("encoding must be one of %s", strings.Join(encodings, ", ")),
			"encoding",
		))
	}
	if ds := d.DataStore; ds == nil {
		errs = append(errs, missingErr("dataStore"))
	} else {
		errs = append(errs, d.validateStore(ds)...)
		if ds.Store == StoreInternal {
			switch {
			case ds.File != nil && ds.Folder != nil:
				errs = append(errs, valueErr("file and folder cannot both be set", "dataStore"))
			case d.Mosaic() && ds.Folder == nil:
				errs = append(errs, missingErr("dataStore", "folder"))
			case !d.Mosaic() && ds.File == nil:
				errs = append(errs, missingErr("dataStore", "file"))
			}
			if ds.File != nil && !slices.Contains(rasterExtensions, filepath.Ext(*ds.File)) {
				errs = append(errs, valueErr(
					fmt.Sprintf("file must carry one of extensions %s", strings.Join(rasterExtensions, ", ")),
					"dataStore", "file",
				))
			}
		}
	}
	if d.Pyramid == nil {
		errs = append(errs, missingErr("pyramidSettings"))
	} else {
		errs = append(errs, d.validatePyramid()...)
	}
	if len(d.Layers) != 0 {
		errs = append(errs, valueErr("layers are not allowed for raster datasources", "layers"))
	}
	return errs
}

func (d *Descriptor) validateVector() []ValidationError {
	var errs []ValidationError
	store := ""
	if ds := d.DataStore; ds == nil {
		errs = append(errs, missingErr("dataStore"))
	} else {
		store = ds.Store
		errs = append(errs, d.validateStore(ds)...)
		if ds.Store == StoreTiles && len(ds.Tiles) == 0 {
			errs = append(errs, missingErr("dataStore", "tiles"))
		}
	}
	if store == StoreInternal && len(d.Layers) == 0 {
		errs = append(errs, missingErr("layers"))
	}
	if d.Pyramid != nil {
		if store != StoreInternal {
			errs = append(errs, valueErr(
				"pyramidSettings are only allowed for the internal store", "pyramidSettings",
			))
		} else {
			errs = append(errs, d.validatePyramid()...)
		}
	}
	if d.Encoding != "" {
		errs = append(errs, valueErr("encoding is not allowed for vector datasources", "encoding"))
	}
	if d.Mosaics != nil {
		errs = append(errs, valueErr("mosaics are not allowed for vector datasources", "mosaics"))
	}
	for i := range d.Layers {
		errs = append(errs, d.validateLayer(i)...)
	}
	return errs
}

func (d *Descriptor) validatePyramid() []ValidationError {
	p := d.Pyramid
	var errs []ValidationError
	switch {
	case p.MinZoom == -1:
		errs = append(errs, missingErr("pyramidSettings", "minzoom"))
	case !zoomValid(p.MinZoom):
		errs = append(errs, valueErr("minzoom must be between 0 and 20", "pyramidSettings", "minzoom"))
	}
	switch {
	case p.MaxZoom == -1:
		errs = append(errs, missingErr("pyramidSettings", "maxzoom"))
	case !zoomValid(p.MaxZoom):
		errs = append(errs, valueErr("maxzoom must be between 0 and 20", "pyramidSettings", "maxzoom"))
	}
	if zoomValid(p.MinZoom) && zoomValid(p.MaxZoom) {
		if p.MinZoom > p.MaxZoom {
			errs = append(errs, valueErr(
				"minzoom must be less than or equal to maxzoom", "pyramidSettings", "minzoom",
			))
		} else if zoomValid(d.MinZoom) && zoomValid(d.MaxZoom) &&
			(p.MinZoom < d.MinZoom || p.MaxZoom > d.MaxZoom) {
			errs = append(errs, valueErr(
				"pyramid zoom range must be within the datasource zoom range",
				"pyramidSettings", "minzoom",
			))
		}
	}
	if !slices.Contains(resamplings, p.Resampling) {
		errs = append(errs, valueErr(
			fmt.Sprintf("resampling must be one of %s", strings.Join(resamplings, ", ")),
			"pyramidSettings", "resampling",
		))
	}
	if !slices.Contains(resamplings, p.ResamplingWarp) {
		errs = append(errs, valueErr(
			fmt.Sprintf("resampling_warp must be one of %s", strings.Join(resamplings, ", ")),
			"pyramidSettings", "resampling_warp",
		))
	}
	if p.TileDriver != TileDriverPNG {
		errs = append(errs, valueErr("tiledriver must be 'PNG'", "pyramidSettings", "tiledriver"))
	}
	if p.TileSize < MinTileSize || p.TileSize > MaxTileSize {
		errs = append(errs, valueErr("tile_size must be between 128 and 512", "pyramidSettings", "tile_size"))
	}
	if p.CountProcesses < 1 || p.CountProcesses > runtime.NumCPU() {
		errs = append(errs, valueErr(
			"count_processes must be between 1 and the host cpu count",
			"pyramidSettings", "count_processes",
		))
	}
	if !slices.Contains(pixelSelections, p.PixelSelectionMethod) {
		errs = append(errs, valueErr(
			fmt.Sprintf("pixel_selection_method must be one of %s", strings.Join(pixelSelections, ", ")),
			"pyramidSettings", "pixel_selection_method",
		))
	}
	return errs
}

func (d *Descriptor) validateLayer(i int) []ValidationError {
	l := &d.Layers[i]
	var errs []ValidationError
	if l.ID == "" {
		errs = append(errs, missingErr("layers", i, "id"))
	}
	if !slices.Contains(layerTypes, l.Type) {
		errs = append(errs, valueErr(
			fmt.Sprintf("type must be one of %s", strings.Join(layerTypes, ", ")),
			"layers", i, "type",
		))
	}
	switch {
	case l.MinZoom == -1:
		errs = append(errs, missingErr("layers", i, "minzoom"))
	case !zoomValid(l.MinZoom):
		errs = append(errs, valueErr("minzoom must be between 0 and 20", "layers", i, "minzoom"))
	}
	switch {
	case l.MaxZoom == -1:
		errs = append(errs, missingErr("layers", i, "maxzoom"))
	case !zoomValid(l.MaxZoom):
		errs = append(errs, valueErr("maxzoom must be between 0 and 20", "layers", i, "maxzoom"))
	}
	if zoomValid(l.MinZoom) && zoomValid(l.MaxZoom) {
		if l.MinZoom > l.MaxZoom {
			errs = append(errs, valueErr(
				"minzoom must be less than or equal to maxzoom", "layers", i, "minzoom",
			))
		} else if zoomValid(d.MinZoom) && zoomValid(d.MaxZoom) &&
			(l.MinZoom < d.MinZoom || l.MaxZoom > d.MaxZoom) {
			errs = append(errs, valueErr(
				"layer zoom range must be within the datasource zoom range",
				"layers", i, "minzoom",
			))
		}
	}
	if len(l.Filter) != 0 && len(l.Queries) != 0 {
		errs = append(errs, valueErr("filter and queries cannot both be set", "layers", i))
	}
	for j := range l.Queries {
		q := &l.Queries[j]
		if q.SQL == "" {
			errs = append(errs, missingErr("layers", i, "queries", j, "sql"))
		}
		switch {
		case q.MinZoom == -1:
			errs = append(errs, missingErr("layers", i, "queries", j, "minzoom"))
		case !zoomValid(q.MinZoom):
			errs = append(errs, valueErr("minzoom must be between 0 and 20", "layers", i, "queries", j, "minzoom"))
		}
		switch {
		case q.MaxZoom == -1:
			errs = append(errs, missingErr("layers", i, "queries", j, "maxzoom"))
		case !zoomValid(q.MaxZoom):
			errs = append(errs, valueErr("maxzoom must be between 0 and 20", "layers", i, "queries", j, "maxzoom"))
		}
		if zoomValid(q.MinZoom) && zoomValid(q.MaxZoom) {
			if q.MinZoom > q.MaxZoom {
				errs = append(errs, valueErr(
					"minzoom must be less than or equal to maxzoom",
					"layers", i, "queries", j, "minzoom",
				))
			} else if zoomValid(l.MinZoom) && zoomValid(l.MaxZoom) &&
				(q.MinZoom < l.MinZoom || q.MaxZoom > l.MaxZoom) {
				errs = append(errs, valueErr(
					"query zoom range must be within the layer zoom range",
					"layers", i, "queries", j, "minzoom",
				))
			}
		}
	}
	if len(l.Filter) != 0 && len(l.Fields) != 0 {
		refs, err := filterReferences(l.Filter, pointer.SafeDeref(l.GeomField))
		if err == nil {
			names := map[string]bool{}
			for _, f := range l.Fields {
				names[f.Name] = true
			}
			for _, ref := range refs {
				if !names[ref] {
					err = fmt.Errorf("Field '%s' not present in SELECT clause", ref)
					break
				}
			}
		}
		if err != nil {
			errs = append(errs, valueErr(
				fmt.Sprintf("filter and fields must be synchronized according to the list of fields used: %s", err),
				"layers", i, "filter",
			))
		}
	}
	return errs
}

// ValidateStorage checks layer tables and columns against the spatial
// database schema.
//
// Only internal vector datasources are inspected. Layers backed by raw
// SQL queries are skipped; their statements are not introspectable. A
// missing table suppresses the column checks of that layer.
//
// Args:
//
// - ctx
//
// - schema: the information-schema view of the spatial database.
//
// Returns:
//
// - []ValidationError: tables or columns the schema does not know.
//
// - error: database failures. The descriptor verdict is unknown in that
// case.
func (d *Descriptor) ValidateStorage(ctx context.Context, schema tdb.SchemaInterface) ([]ValidationError, error) {
	if d.Type != Vector || d.DataStore == nil || d.DataStore.Store != StoreInternal {
		return nil, nil
	}
	var errs []ValidationError
	for i := range d.Layers {
		l := &d.Layers[i]
		if len(l.Queries) != 0 {
			continue
		}
		table := l.Table()
		ok, err := schema.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			errs = append(errs, ValidationError{
				Type:     "missing",
				Location: []interface{}{"layer", "id", l.ID},
				Message:  fmt.Sprintf("Table '%s' not found", table),
			})
			continue
		}
		if gf := pointer.SafeDeref(l.GeomField); gf != "" {
			ok, err := schema.ColumnExists(ctx, table, gf)
			if err != nil {
				return nil, err
			}
			if !ok {
				errs = append(errs, ValidationError{
					Type:     "missing",
					Location: []interface{}{"layer", "id", l.ID, "geomField", gf},
					Message:  fmt.Sprintf("Field '%s' not found in '%s'", gf, table),
				})
			}
		}
		for _, f := range l.Fields {
			ok, err := schema.ColumnExists(ctx, table, f.NameInDB)
			if err != nil {
				return nil, err
			}
			if !ok {
				errs = append(errs, ValidationError{
					Type:     "missing",
					Location: []interface{}{"layer", "id", l.ID, "field", f.NameInDB},
					Message:  fmt.Sprintf("Field '%s' not found in '%s'", f.NameInDB, table),
				})
			}
		}
	}
	return errs, nil
}
