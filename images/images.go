// Package images - Stimulus decoding and preprocessing for classifier input.
package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Normalization holds per-channel mean and standard deviation applied after
// scaling pixels to [0, 1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNetNormalization is the standard normalization the pretrained
// classifiers in the registry were trained with.
var ImageNetNormalization = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// ReadRGB decodes an image file into an in-memory RGB image.
func ReadRGB(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return nil, errors.Errorf("images: failed to read %s", path)
	}
	defer mat.Close()

	// IMReadColor yields BGR; convert before handing the image to Go code.
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	img, err := rgb.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "images: converting %s", path)
	}
	return img, nil
}

// ToNCHW resizes img to width x height with Lanczos3 and writes it as
// normalized planar float32 channels (C,H,W order, RGB).
func ToNCHW(img image.Image, width, height int, norm Normalization) []float32 {
	scaled := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)

	channelSize := width * height
	data := make([]float32, 3*channelSize)
	red := data[0:channelSize]
	green := data[channelSize : 2*channelSize]
	blue := data[2*channelSize : 3*channelSize]

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			red[i] = (float32(r>>8)/255.0 - norm.Mean[0]) / norm.Std[0]
			green[i] = (float32(g>>8)/255.0 - norm.Mean[1]) / norm.Std[1]
			blue[i] = (float32(b>>8)/255.0 - norm.Mean[2]) / norm.Std[2]
			i++
		}
	}
	return data
}
