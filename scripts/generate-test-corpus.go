//go:build ignore

// Package main generates a synthetic media tree for crawl benchmarks.
// Usage: go run scripts/generate-test-corpus.go -files 1000 -output testdata/corpus
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
)

var (
	numFiles  = flag.Int("files", 1000, "Number of images to generate")
	outputDir = flag.String("output", "testdata/corpus", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
	maxDepth  = flag.Int("depth", 3, "Maximum directory depth")
)

var dirNames = []string{"2023", "2024", "2025", "holiday", "family", "scans", "raw", "exports", "phone", "camera"}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}

	// One ignored subtree and one stray non-media file per ten images keep
	// the walk filter honest.
	ignored := filepath.Join(*outputDir, "cache")
	if err := os.MkdirAll(ignored, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", ignored, err)
		os.Exit(1)
	}
	writeFile(filepath.Join(*outputDir, ".scoutignore"), []byte("cache/\n"))

	var bytes int64
	for i := 0; i < *numFiles; i++ {
		dir := *outputDir
		for d := rng.Intn(*maxDepth + 1); d > 0; d-- {
			dir = filepath.Join(dir, dirNames[rng.Intn(len(dirNames))])
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", dir, err)
			os.Exit(1)
		}

		w, h := 64+rng.Intn(960), 64+rng.Intn(960)
		img := randomImage(rng, w, h)
		name := fmt.Sprintf("img_%05d", i)
		if rng.Intn(2) == 0 {
			bytes += encode(filepath.Join(dir, name+".jpg"), func(f *os.File) error {
				return jpeg.Encode(f, img, &jpeg.Options{Quality: 80})
			})
		} else {
			bytes += encode(filepath.Join(dir, name+".png"), func(f *os.File) error {
				return png.Encode(f, img)
			})
		}

		if i%10 == 0 {
			writeFile(filepath.Join(dir, name+".txt"), []byte("not an image\n"))
			writeFile(filepath.Join(ignored, name+".jpg"), []byte("ignored"))
		}
	}

	fmt.Printf("Generated %d images (%.1f MB) in %s\n", *numFiles, float64(bytes)/(1<<20), *outputDir)
}

// randomImage draws a gradient with a few blocks so images differ.
func randomImage(rng *rand.Rand, w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	base := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: base.R + uint8(x*255/w),
				G: base.G + uint8(y*255/h),
				B: base.B,
				A: 255,
			})
		}
	}
	for n := rng.Intn(6); n > 0; n-- {
		x0, y0 := rng.Intn(w), rng.Intn(h)
		c := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
		for y := y0; y < min(h, y0+h/4); y++ {
			for x := x0; x < min(w, x0+w/4); x++ {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

func encode(path string, fn func(*os.File) error) int64 {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := fn(f); err != nil {
		fmt.Fprintf(os.Stderr, "encode %s: %v\n", path, err)
		os.Exit(1)
	}
	info, _ := f.Stat()
	_ = f.Close()
	if info == nil {
		return 0
	}
	return info.Size()
}

func writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
		os.Exit(1)
	}
}
