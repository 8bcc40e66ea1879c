package sdcard

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
)

// ThumbQuality is the JPEG quality of generated thumbnails.
const ThumbQuality = 80

// makeThumbnail fits img into maxSize x maxSize after applying the EXIF
// orientation and returns JPEG bytes.
func makeThumbnail(img image.Image, orientation, maxSize int) ([]byte, error) {
	img = applyOrientation(img, orientation)
	thumb := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(ThumbQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
