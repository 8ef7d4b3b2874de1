// Package imagegen generates images — text-to-image and
// image-to-image — over a chat-completions-style multimodal endpoint,
// with aspect-ratio snapping and base64 framing.
package imagegen

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Size is a target (width, height) pair in pixels.
type Size struct {
	Width  int
	Height int
}

var sizePresets = map[string]Size{
	"square":    {1024, 1024},
	"landscape": {1024, 768},
	"portrait":  {768, 1024},
	"wide":      {1024, 576},
	"tall":      {576, 1024},
}

var sizePattern = regexp.MustCompile(`(?i)(\d{3,4})\s*[x*×]\s*(\d{3,4})`)

// ParseSizeFromText resolves the target size for a draw request. If
// referenceSize is non-zero, the reference's aspect ratio wins,
// scaled so its longer edge equals maxSize. Otherwise it looks for a
// preset keyword, then an explicit WIDTHxHEIGHT in the text, falling
// back to the square preset.
func ParseSizeFromText(text string, referenceSize *Size, maxSize int) Size {
	if maxSize <= 0 {
		maxSize = 1024
	}

	if referenceSize != nil && referenceSize.Width > 0 && referenceSize.Height > 0 {
		rw, rh := referenceSize.Width, referenceSize.Height
		if rw >= rh {
			return Size{Width: maxSize, Height: maxSize * rh / rw}
		}
		return Size{Width: maxSize * rw / rh, Height: maxSize}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(text, "超宽") || strings.Contains(lower, "wide"):
		return sizePresets["wide"]
	case strings.Contains(text, "超高") || strings.Contains(lower, "tall"):
		return sizePresets["tall"]
	case strings.Contains(text, "横") || strings.Contains(lower, "landscape") || strings.Contains(text, "宽"):
		return sizePresets["landscape"]
	case strings.Contains(text, "竖") || strings.Contains(lower, "portrait") || strings.Contains(text, "高"):
		return sizePresets["portrait"]
	}

	if m := sizePattern.FindStringSubmatch(text); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		if w > maxSize || h > maxSize {
			scale := float64(maxSize) / math.Max(float64(w), float64(h))
			w = int(float64(w) * scale)
			h = int(float64(h) * scale)
		}
		return Size{Width: w, Height: h}
	}

	return sizePresets["square"]
}

// supportedRatios is the fixed set of aspect-ratio tokens the image
// model accepts.
var supportedRatios = []struct {
	w, h  int
	token string
}{
	{1, 1, "1:1"},
	{2, 3, "2:3"},
	{3, 2, "3:2"},
	{3, 4, "3:4"},
	{4, 3, "4:3"},
	{4, 5, "4:5"},
	{5, 4, "5:4"},
	{9, 16, "9:16"},
	{16, 9, "16:9"},
	{21, 9, "21:9"},
}

// noReferenceKeywords is the fixed phrase list that opts a draw
// request out of using the attached image as reference.
var noReferenceKeywords = []string{"不参考", "不要参考", "忽略参考图", "不用这张图"}

// HasNoReferenceIntent reports whether text explicitly asks the draw
// pipeline not to use an attached image as a reference.
func HasNoReferenceIntent(text string) bool {
	for _, kw := range noReferenceKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// AspectRatioToken converts a pixel size into the nearest supported
// aspect-ratio token, minimizing |w/h - token_ratio|.
func AspectRatioToken(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	d := gcd(width, height)
	wr, hr := width/d, height/d

	for _, r := range supportedRatios {
		if r.w == wr && r.h == hr {
			return r.token
		}
	}

	target := float64(wr) / float64(hr)
	best := supportedRatios[0]
	bestDist := math.Abs(target - float64(best.w)/float64(best.h))
	for _, r := range supportedRatios[1:] {
		dist := math.Abs(target - float64(r.w)/float64(r.h))
		if dist < bestDist {
			bestDist = dist
			best = r
		}
	}
	return best.token
}
