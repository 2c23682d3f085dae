package cli

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	_ "github.com/lmittmann/ppm" // register ppm
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	_ "github.com/xfmoulet/qoi" // register qoi
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
	".ppm": true, ".qoi": true,
}

type namedImage struct {
	name string
	img  image.Image
}

// readImages loads the images named on the command line followed by every image in the dir flag,
// sorted by name.
func readImages(c *cli.Context) ([]namedImage, error) {
	paths := c.Args().Slice()
	if dir := c.String(imagesFlagDir); dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", dir)
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			found = append(found, filepath.Join(dir, e.Name()))
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, errors.New("no images given; pass image paths or --dir")
	}

	out := make([]namedImage, 0, len(paths))
	for _, p := range paths {
		img, err := imaging.Open(p)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", p)
		}
		out = append(out, namedImage{name: p, img: img})
	}
	return out, nil
}
