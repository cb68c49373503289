// Package datasource holds the descriptor model of tilerd datasources
// and the registry keeping the validated descriptors of a node in sync
// with the datasource table.
package datasource

import (
	"encoding/json"
	"math"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/utils/pointer"
	"github.com/google/uuid"
)

// Datasource kinds.
const (
	Vector = "vector"
	Raster = "raster"
)

// Store modes. They decide where tile payloads come from: the node's own
// generator, a remote worker node, a plain tile URL set, or a tilejson
// endpoint.
const (
	StoreInternal = "internal"
	StoreMBTiles  = "mbtiles"
	StoreTiles    = "tiles"
	StoreTileJSON = "tilejson"
)

// Vector layer geometry types.
const (
	LayerPoint   = "point"
	LayerLine    = "line"
	LayerPolygon = "polygon"
	LayerRaster  = "raster"
)

// Raster tile encodings.
const (
	EncodingMapbox    = "mapbox"
	EncodingTerrarium = "terrarium"
	EncodingF32       = "f32"
	EncodingNone      = "none"
)

// Mosaic pixel selection methods.
const (
	PixelFirst   = "FirstMethod"
	PixelHighest = "HighestMethod"
	PixelLowest  = "LowestMethod"
	PixelMean    = "MeanMethod"
)

// Descriptor limits and defaults.
const (
	MinZoomLimit = 0
	MaxZoomLimit = 20

	DefaultBuffer = 64
	DefaultExtent = 4096

	MinTileSize     = 128
	MaxTileSize     = 512
	DefaultTileSize = 256

	TileDriverPNG     = "PNG"
	ResamplingAverage = "average"
	DefaultNodata     = -999999
)

var (
	stores          = []string{StoreInternal, StoreMBTiles, StoreTiles, StoreTileJSON}
	layerTypes      = []string{LayerPoint, LayerLine, LayerPolygon, LayerRaster}
	encodings       = []string{EncodingMapbox, EncodingTerrarium, EncodingF32, EncodingNone}
	pixelSelections = []string{PixelFirst, PixelHighest, PixelLowest, PixelMean}

	resamplings = []string{
		"average", "antialias", "nearest", "bilinear", "cubic",
		"cubicspline", "lanczos", "min", "max", "med",
	}

	rasterExtensions = []string{".tif", ".tiff", ".TIF", ".TIFF"}
)

// Bounds is a geographic envelope in lon/lat degrees.
type Bounds struct {
	LngW float64 `json:"lng_w"`
	LatS float64 `json:"lat_s"`
	LngE float64 `json:"lng_e"`
	LatN float64 `json:"lat_n"`
}

// Absent members decode to NaN so validation can tell them from zero.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	type bounds Bounds
	v := bounds{
		LngW: math.NaN(), LatS: math.NaN(),
		LngE: math.NaN(), LatN: math.NaN(),
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*b = Bounds(v)
	return nil
}

func (b Bounds) complete() bool {
	return !math.IsNaN(b.LngW) && !math.IsNaN(b.LatS) &&
		!math.IsNaN(b.LngE) && !math.IsNaN(b.LatN)
}

// Grid converts to the tile-math representation.
func (b Bounds) Grid() tiles.Bounds {
	return tiles.Bounds{b.LngW, b.LatS, b.LngE, b.LatN}
}

// DataStore points at where the source payload of a datasource lives.
type DataStore struct {
	Type    string   `json:"type"`
	Store   string   `json:"store"`
	Host    *string  `json:"host,omitempty"`
	Port    *int     `json:"port,omitempty"`
	Dataset *string  `json:"dataset,omitempty"`
	File    *string  `json:"file,omitempty"`
	Folder  *string  `json:"folder,omitempty"`
	URL     *string  `json:"url,omitempty"`
	Tiles   []string `json:"tiles,omitempty"`
	Keys    []string `json:"keys,omitempty"`
}

// PyramidSettings drive pyramid generation for one datasource.
type PyramidSettings struct {
	Verbose                     bool    `json:"verbose"`
	Resampling                  string  `json:"resampling"`
	TileDriver                  string  `json:"tiledriver"`
	TileSize                    int     `json:"tile_size"`
	XYZ                         bool    `json:"xyz"`
	CountProcesses              int     `json:"count_processes"`
	MinZoom                     int     `json:"minzoom"`
	MaxZoom                     int     `json:"maxzoom"`
	MBTiles                     bool    `json:"mbtiles"`
	Warnings                    bool    `json:"warnings"`
	SaveTileDetailDB            bool    `json:"save_tile_detail_db"`
	Warp                        bool    `json:"warp"`
	ResamplingWarp              string  `json:"resampling_warp"`
	RemoveProcessingRasterFiles bool    `json:"remove_processing_raster_files"`
	EncodeToRGBA                bool    `json:"encode_to_rgba"`
	MosaicMerge                 bool    `json:"mosaic_merge"`
	NodataDefault               float64 `json:"nodata_default"`
	PixelSelectionMethod        string  `json:"pixel_selection_method"`
	Merge                       bool    `json:"merge"`
}

func (p *PyramidSettings) UnmarshalJSON(data []byte) error {
	type settings PyramidSettings
	v := settings{
		Resampling:           ResamplingAverage,
		TileDriver:           TileDriverPNG,
		TileSize:             DefaultTileSize,
		XYZ:                  true,
		CountProcesses:       runtime.NumCPU(),
		MinZoom:              -1,
		MaxZoom:              -1,
		MBTiles:              true,
		SaveTileDetailDB:     true,
		ResamplingWarp:       ResamplingAverage,
		EncodeToRGBA:         true,
		NodataDefault:        DefaultNodata,
		PixelSelectionMethod: PixelFirst,
		Merge:                true,
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PyramidSettings(v)
	return nil
}

// Field maps a vector tile attribute to a column of the layer table.
type Field struct {
	Name        string  `json:"name"`
	NameInDB    string  `json:"name_in_db"`
	Encode      bool    `json:"encode"`
	Description *string `json:"description,omitempty"`
}

// LayerQuery serves a zoom band of a layer from a raw SQL statement.
type LayerQuery struct {
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
	SQL     string `json:"sql"`
}

func (q *LayerQuery) UnmarshalJSON(data []byte) error {
	type query LayerQuery
	v := query{MinZoom: -1, MaxZoom: -1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*q = LayerQuery(v)
	return nil
}

// Layer describes a single vector tile layer. A layer either renders a
// table through (filter, fields, geomField) or carries raw SQL queries,
// never both.
type Layer struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	StoreLayer  *string       `json:"storeLayer,omitempty"`
	GeomField   *string       `json:"geomField,omitempty"`
	Description *string       `json:"description,omitempty"`
	MinZoom     int           `json:"minzoom"`
	MaxZoom     int           `json:"maxzoom"`
	Simplify    bool          `json:"simplify"`
	Filter      []interface{} `json:"filter,omitempty"`
	Fields      []Field       `json:"fields,omitempty"`
	Queries     []LayerQuery  `json:"queries,omitempty"`
}

func (l *Layer) UnmarshalJSON(data []byte) error {
	type layer Layer
	v := layer{MinZoom: -1, MaxZoom: -1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = Layer(v)
	return nil
}

// Table is the spatial table a layer reads, storeLayer when set, the
// layer id otherwise.
func (l *Layer) Table() string {
	if l.StoreLayer != nil && *l.StoreLayer != "" {
		return *l.StoreLayer
	}
	return l.ID
}

// Descriptor is a datasource document.
//
// A descriptor arrives as JSON through the API or from a descriptor
// file, gets defaults applied by Normalize and is persisted in the
// normalized form, so defaults are frozen into the stored document
// rather than recomputed on every read.
type Descriptor struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Mosaics       *bool            `json:"mosaics,omitempty"`
	DataStore     *DataStore       `json:"dataStore,omitempty"`
	Pyramid       *PyramidSettings `json:"pyramidSettings,omitempty"`
	Attribution   *string          `json:"attribution,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Version       *string          `json:"version,omitempty"`
	Buffer        *int             `json:"buffer,omitempty"`
	Extent        *int             `json:"extent,omitempty"`
	MinZoom       int              `json:"minzoom"`
	MaxZoom       int              `json:"maxzoom"`
	MBTiles       *bool            `json:"mbtiles,omitempty"`
	Center        []float64        `json:"center,omitempty"`
	Bounds        *Bounds          `json:"bounds,omitempty"`
	Encoding      string           `json:"encoding,omitempty"`
	Layers        []Layer          `json:"layers,omitempty"`
	UseCacheOnly  bool             `json:"use_cache_only"`
	CompressTiles bool             `json:"compress_tiles"`
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	type descriptor Descriptor
	v := descriptor{MinZoom: -1, MaxZoom: -1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*d = Descriptor(v)
	return nil
}

// Parse decodes a descriptor document and applies defaults.
//
// Args:
//
// - raw: a JSON descriptor document.
//
// Returns:
//
// - *Descriptor: the decoded descriptor, normalized.
//
// - error: when raw is not well-formed JSON. Rule violations are not
// detected here; call Validate for that.
func Parse(raw []byte) (*Descriptor, error) {
	d := new(Descriptor)
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, err
	}
	d.Normalize()
	return d, nil
}

// Normalize fills defaults in place: a generated id when the document
// carries none, kind-specific defaults, the dataset name derived from
// the source file or folder, and percent-decoded tile URLs.
func (d *Descriptor) Normalize() {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.MBTiles == nil {
		d.MBTiles = pointer.Ref(true)
	}
	switch d.Type {
	case Raster:
		if d.Mosaics == nil {
			d.Mosaics = pointer.Ref(false)
		}
		if d.Encoding == "" {
			d.Encoding = EncodingF32
		}
	case Vector:
		if d.Buffer == nil {
			d.Buffer = pointer.Ref(DefaultBuffer)
		}
		if d.Extent == nil {
			d.Extent = pointer.Ref(DefaultExtent)
		}
	}
	if ds := d.DataStore; ds != nil {
		if ds.Dataset == nil {
			switch {
			case ds.File != nil:
				name := filepath.Base(*ds.File)
				ds.Dataset = pointer.Ref(strings.TrimSuffix(name, filepath.Ext(name)))
			case ds.Folder != nil:
				ds.Dataset = pointer.Ref(filepath.Base(*ds.Folder))
			}
		}
		if ds.Store == StoreTiles {
			for i, t := range ds.Tiles {
				if u, err := url.PathUnescape(t); err == nil {
					ds.Tiles[i] = u
				}
			}
		}
	}
	if len(d.Center) == 3 {
		d.Center[2] = math.Trunc(d.Center[2])
	}
	for i := range d.Layers {
		fields := d.Layers[i].Fields
		for j := range fields {
			if fields[j].NameInDB == "" {
				fields[j].NameInDB = fields[j].Name
			}
		}
	}
}

// Mosaic reports whether the descriptor addresses a raster mosaic.
func (d *Descriptor) Mosaic() bool {
	return d.Mosaics != nil && *d.Mosaics
}

// Remote reports whether tiles of this datasource are produced by
// another node.
func (d *Descriptor) Remote() bool {
	return d.DataStore != nil && d.DataStore.Store == StoreMBTiles &&
		d.DataStore.Host != nil && d.DataStore.Port != nil
}

// Archived reports whether tiles land in an MBTiles archive.
func (d *Descriptor) Archived() bool {
	return d.MBTiles == nil || *d.MBTiles
}

type vectorPyramid struct {
	MinZoom        int `json:"minzoom"`
	MaxZoom        int `json:"maxzoom"`
	CountProcesses int `json:"count_processes"`
}

// Document renders the persisted form of the descriptor.
//
// Vector documents keep only the zoom range and process count of their
// pyramid settings; the raster-centric members do not apply to them.
func (d *Descriptor) Document() ([]byte, error) {
	if d.Type == Vector && d.Pyramid != nil {
		return json.Marshal(struct {
			*Descriptor
			Pyramid *vectorPyramid `json:"pyramidSettings,omitempty"`
		}{
			Descriptor: d,
			Pyramid: &vectorPyramid{
				MinZoom:        d.Pyramid.MinZoom,
				MaxZoom:        d.Pyramid.MaxZoom,
				CountProcesses: d.Pyramid.CountProcesses,
			},
		})
	}
	return json.Marshal(d)
}
