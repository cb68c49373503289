package environment_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/geoforge/tilerd/pkg/environment"
	"github.com/geoforge/tilerd/pkg/tiles"
)

func TestLayout_Init(t *testing.T) {
	root := t.TempDir()
	l := environment.Layout{Root: root}

	if err := l.Init(); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{
		"data", "data/mosaics", "tiles",
		"datasources/vector", "datasources/raster", "logs", "static",
	} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil {
			t.Errorf("%s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s: not a directory", dir)
		}
	}

	// idempotent
	if err := l.Init(); err != nil {
		t.Errorf("second Init: %v", err)
	}
}

func TestLayout_Paths(t *testing.T) {
	l := environment.Layout{Root: "/srv/tilerd"}

	if p := l.ArchivePath("ds-a"); p != "/srv/tilerd/tiles/ds-a/ds-a.mbtiles" {
		t.Errorf("unexpected archive path: %s", p)
	}
	if p := l.DatasetDir("ds-a"); p != "/srv/tilerd/data/ds-a" {
		t.Errorf("unexpected dataset dir: %s", p)
	}
	if p := l.DatasourceTileDir("ds-a"); p != "/srv/tilerd/tiles/ds-a" {
		t.Errorf("unexpected tile dir: %s", p)
	}

	c := tiles.Coordinate{DatasourceID: "ds-a", Z: 3, X: 4, Y: 5, Ext: tiles.WEBP}
	if p := l.TilePath(c); p != "/srv/tilerd/tiles/ds-a/3/4/5.webp" {
		t.Errorf("unexpected tile path: %s", p)
	}
}
