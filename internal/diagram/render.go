package diagram

import (
	"context"
	"fmt"
)

// Formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)

// Render encodes model in the named format and returns the bytes with their
// media type. Format is one of mermaid, ascii, png or svg.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, string, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), "text/vnd.mermaid; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCII(model)), "text/plain; charset=utf-8", nil
	case string(FormatPNG):
		data, err := RenderImage(ctx, model, FormatPNG)
		return data, "image/png", err
	case string(FormatSVG):
		data, err := RenderImage(ctx, model, FormatSVG)
		return data, "image/svg+xml", err
	default:
		return nil, "", fmt.Errorf("diagram: unknown format %q (want mermaid, ascii, png or svg)", format)
	}
}
