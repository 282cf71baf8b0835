package imaging

import (
	"fmt"
	"image"
	"strings"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/model"
	"github.com/FadwaTY/WasteWiseUI/utils"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Preparer 在上传前解码图片，必要时缩小尺寸
type Preparer struct {
	maxDimension       int
	lowDetailThreshold float64
}

func NewPreparer(cfg *config.UploadConfig) *Preparer {
	return &Preparer{
		maxDimension:       cfg.MaxDimension,
		lowDetailThreshold: cfg.LowDetailThreshold,
	}
}

// Prepare 返回实际上传的图片和检查信息，原始字节保持不变
func (p *Preparer) Prepare(img model.ImageInput) (model.ImageInput, model.ImageInfo, error) {
	mat, err := gocv.IMDecode(img.Data, gocv.IMReadColor)
	if err != nil {
		return img, model.ImageInfo{}, fmt.Errorf("decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return img, model.ImageInfo{}, fmt.Errorf("failed to read image")
	}

	info := model.ImageInfo{
		Width:  mat.Cols(),
		Height: mat.Rows(),
	}

	density := edgeDensity(&mat)
	info.LowDetail = density < p.lowDetailThreshold

	if p.maxDimension <= 0 || max(info.Width, info.Height) <= p.maxDimension {
		return img, info, nil
	}

	scaled, scale := smartResize(&mat, p.maxDimension)
	defer scaled.Close()

	data, err := encode(&scaled, img.ContentType)
	if err != nil {
		utils.Logger.Warn("failed to re-encode resized image, sending original",
			zap.String("image", img.Name), zap.Error(err))
		return img, info, nil
	}

	utils.Logger.Debug("image resized before upload",
		zap.String("image", img.Name),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float64("scale", scale),
		zap.Float64("edge_density", density))

	upload := img
	upload.Data = data
	return upload, info, nil
}

// smartResize 按最长边缩放
func smartResize(img *gocv.Mat, maxSize int) (gocv.Mat, float64) {
	width := img.Cols()
	height := img.Rows()
	maxDim := max(width, height)
	if maxDim <= maxSize {
		return img.Clone(), 1.0
	}

	scale := float64(maxSize) / float64(maxDim)
	newWidth := max(1, int(float64(width)*scale))
	newHeight := max(1, int(float64(height)*scale))

	resized := gocv.NewMat()
	gocv.Resize(*img, &resized, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationArea)

	return resized, scale
}

// edgeDensity Canny 边缘像素占比，接近 0 说明画面几乎没有细节
func edgeDensity(img *gocv.Mat) float64 {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 50, 150)

	totalPixels := float64(img.Rows() * img.Cols())
	if totalPixels == 0 {
		return 0
	}
	return float64(gocv.CountNonZero(edges)) / totalPixels
}

func encode(img *gocv.Mat, contentType string) ([]byte, error) {
	ext := gocv.JPEGFileExt
	if strings.EqualFold(contentType, "image/png") {
		ext = gocv.PNGFileExt
	}

	buf, err := gocv.IMEncode(ext, *img)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	// GetBytes 引用的是 C 内存，Close 前复制出来
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
