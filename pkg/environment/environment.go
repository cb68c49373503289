package environment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/geoforge/tilerd/pkg/tiles"
)

// Layout fixes where a tilerd node keeps its on-disk state.
//
// Under Root:
//
//	data/{id}/           source datasets of one datasource
//	data/mosaics/        mosaic definitions handed to workers
//	tiles/{id}/          loose tile tree, XYZ scheme, plus the
//	                     MBTiles archive {id}.mbtiles
//	datasources/vector/  vector descriptor files
//	datasources/raster/  raster descriptor files
//	logs/                worker process logs
//	static/              assets served under /static
type Layout struct {
	Root string
}

func (l Layout) DataDir() string   { return filepath.Join(l.Root, "data") }
func (l Layout) MosaicDir() string { return filepath.Join(l.Root, "data", "mosaics") }
func (l Layout) TileDir() string   { return filepath.Join(l.Root, "tiles") }
func (l Layout) VectorDir() string { return filepath.Join(l.Root, "datasources", "vector") }
func (l Layout) RasterDir() string { return filepath.Join(l.Root, "datasources", "raster") }
func (l Layout) LogDir() string    { return filepath.Join(l.Root, "logs") }
func (l Layout) StaticDir() string { return filepath.Join(l.Root, "static") }

// DatasetDir holds the source data of one datasource.
func (l Layout) DatasetDir(datasourceID string) string {
	return filepath.Join(l.DataDir(), datasourceID)
}

// DatasourceTileDir holds everything tile-shaped of one datasource,
// the loose tree and the archive both.
func (l Layout) DatasourceTileDir(datasourceID string) string {
	return filepath.Join(l.TileDir(), datasourceID)
}

// ArchivePath is the MBTiles archive of one datasource.
func (l Layout) ArchivePath(datasourceID string) string {
	return filepath.Join(l.TileDir(), datasourceID, datasourceID+".mbtiles")
}

// TilePath is the loose-tree entry of one tile.
func (l Layout) TilePath(c tiles.Coordinate) string {
	return filepath.Join(
		l.TileDir(), c.DatasourceID,
		fmt.Sprintf("%d", c.Z), fmt.Sprintf("%d", c.X),
		fmt.Sprintf("%d.%s", c.Y, c.Ext),
	)
}

// Init creates the directory tree. Existing directories are left as-is.
func (l Layout) Init() error {
	for _, dir := range []string{
		l.DataDir(), l.MosaicDir(), l.TileDir(),
		l.VectorDir(), l.RasterDir(), l.LogDir(), l.StaticDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
