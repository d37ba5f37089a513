package decoder

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// MaxDimension is the largest width or height accepted for inference.
const MaxDimension = 10000

// Image is a decoded upload in the canonical layout the models expect:
// height x width x 3 bytes, BGR order, rows packed without padding.
type Image struct {
	Pix    []byte
	Width  int
	Height int
}

type DecodeError struct {
	Filename    string
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("The uploaded file %s is not a valid image format or is corrupted.", e.Filename)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type DimensionError struct {
	Width  int
	Height int
}

func (e *DimensionError) Error() string {
	return "height or width out of range"
}

// Decode turns the raw upload into an Image. GIFs are reduced to their first
// frame; everything else goes through the generic decoders registered with
// the image package. An upload labelled image/gif that is not a GIF is
// sniffed like any other. Dimensions are checked after decoding.
func Decode(data []byte, contentType string, filename string) (*Image, error) {
	var img image.Image
	var err error

	if contentType == "image/gif" {
		img, err = gif.Decode(bytes.NewReader(data))
	}
	if img == nil {
		img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	}
	if err != nil {
		return nil, &DecodeError{Filename: filename, ContentType: contentType, Err: err}
	}

	decoded := FromImage(img)
	if decoded.Width <= 0 || decoded.Height <= 0 ||
		decoded.Width > MaxDimension || decoded.Height > MaxDimension {
		return nil, &DimensionError{Width: decoded.Width, Height: decoded.Height}
	}
	return decoded, nil
}

// FromImage converts any image to the canonical BGR buffer. Alpha is dropped.
func FromImage(img image.Image) *Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Rect.Dx()
	h := nrgba.Rect.Dy()

	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+0]
		}
	}
	return &Image{Pix: pix, Width: w, Height: h}
}

// ToImage converts the buffer back into an opaque NRGBA image, e.g. for
// re-encoding before it is shipped to a remote model.
func (img *Image) ToImage() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		src := img.Pix[y*img.Width*3 : (y+1)*img.Width*3]
		dst := out.Pix[y*out.Stride : y*out.Stride+img.Width*4]
		for x := 0; x < img.Width; x++ {
			dst[x*4+0] = src[x*3+2]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+0]
			dst[x*4+3] = 0xff
		}
	}
	return out
}
