package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"

	"github.com/lonetech/pyly/internal/f01"
)

// catalogColumns are the table headings and widths in mm (A4 landscape).
var catalogColumns = []struct {
	title string
	width float64
}{
	{"Path", 62},
	{"ID", 92},
	{"Taken", 42},
	{"Rotation", 18},
	{"Starred", 16},
	{"Focus", 16},
}

const (
	rowHeight     = 6.0
	previewWidth  = 28.0 // mm
	previewPixels = 240  // longest edge of an embedded preview
)

// WriteCatalog renders a picture catalog PDF to outputPath.
func WriteCatalog(info *f01.HardwareInfo, pictures []f01.PictureRecord, previews map[string][]byte, outputPath string) error {
	data, err := GenerateCatalog(info, pictures, previews)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

// GenerateCatalog renders a PDF table of pictures headed by the camera
// identity. info may be nil. previews maps picture IDs to JPEG data; when
// any are given, a preview column is added.
func GenerateCatalog(info *f01.HardwareInfo, pictures []f01.PictureRecord, previews map[string][]byte) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle("Lytro picture catalog", false)
	pdf.SetCreator("lytro", false)
	pdf.SetAutoPageBreak(true, 12)

	withPreviews := len(previews) > 0
	height := rowHeight
	if withPreviews {
		height = previewWidth
	}

	header := func() {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetFillColor(220, 220, 220)
		if withPreviews {
			pdf.CellFormat(previewWidth, 7, "Preview", "1", 0, "L", true, 0, "")
		}
		for _, col := range catalogColumns {
			pdf.CellFormat(col.width, 7, col.title, "1", 0, "L", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Courier", "", 8)
	}
	pdf.SetHeaderFunc(func() {
		if pdf.PageNo() > 1 {
			header()
		}
	})

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Lytro picture catalog", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	if info != nil {
		pdf.CellFormat(0, 6, fmt.Sprintf("%s  serial %s  firmware %s (build %s)",
			info.Vendor, info.Serial, info.SWVersion, info.Build), "", 1, "L", false, 0, "")
	}
	pdf.CellFormat(0, 6, fmt.Sprintf("%d pictures", len(pictures)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	header()
	for i := range pictures {
		p := &pictures[i]
		starred := ""
		if p.Starred {
			starred = "yes"
		}
		taken := p.Timestamp
		if !p.Time.IsZero() {
			taken = p.Time.UTC().Format(time.DateTime)
		}
		cells := []string{
			p.PathName("RAW"),
			p.ID,
			taken,
			strconv.Itoa(p.Rotation),
			starred,
			strconv.FormatFloat(float64(p.Focus), 'f', 3, 32),
		}

		// keep a row and its preview on one page
		_, pageH := pdf.GetPageSize()
		_, _, _, bottom := pdf.GetMargins()
		if pdf.GetY()+height > pageH-max(bottom, 12) {
			pdf.AddPage()
		}
		if withPreviews {
			x, y := pdf.GetXY()
			pdf.CellFormat(previewWidth, height, "", "1", 0, "L", false, 0, "")
			if data, ok := previews[p.ID]; ok {
				if err := placePreview(pdf, fmt.Sprintf("preview%d", i), data, x+1, y+1, previewWidth-2); err != nil {
					slog.Debug("catalog preview skipped", "id", p.ID, "err", err)
				}
			}
		}
		for j, col := range catalogColumns {
			pdf.CellFormat(col.width, height, cells[j], "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate catalog PDF: %w", err)
	}
	return out.Bytes(), nil
}

func placePreview(pdf *fpdf.Fpdf, name string, data []byte, x, y, box float64) error {
	thumb, w, h, err := Thumbnail(data, previewPixels)
	if err != nil {
		return err
	}
	pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, bytes.NewReader(thumb))
	if err := pdf.Error(); err != nil {
		return err
	}
	dw, dh := box, box
	if w >= h {
		dh = box * float64(h) / float64(w)
	} else {
		dw = box * float64(w) / float64(h)
	}
	pdf.ImageOptions(name, x+(box-dw)/2, y+(box-dh)/2, dw, dh, false, fpdf.ImageOptions{ImageType: "JPEG"}, 0, "")
	return nil
}

// Thumbnail decodes a JPEG and re-encodes it scaled so its longest edge is
// at most maxEdge pixels. It returns the new dimensions.
func Thumbnail(data []byte, maxEdge int) ([]byte, int, int, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode preview: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, 0, 0, errors.New("decode preview: empty image")
	}
	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		if w >= h {
			w, h = maxEdge, max(1, h*maxEdge/w)
		} else {
			w, h = max(1, w*maxEdge/h), maxEdge
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode preview: %w", err)
	}
	return out.Bytes(), w, h, nil
}

// Previews downloads the JPEG rendition of each picture. Pictures that fail
// to download are logged and left out.
func (c *Camera) Previews(pictures []f01.PictureRecord) map[string][]byte {
	out := make(map[string][]byte, len(pictures))
	for i := range pictures {
		id := pictures[i].ID
		data, err := c.Download(f01.LoadPicture, id, f01.FormatJPEG)
		if err != nil {
			c.log.Warn("preview download failed", "id", id, "err", err)
			continue
		}
		out[id] = data
	}
	return out
}
