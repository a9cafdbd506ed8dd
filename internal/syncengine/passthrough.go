package syncengine

import (
	"context"
	"fmt"
	"os"

	"github.com/uisync/uisync/internal/ir"
)

// Passthrough returns an adapter that carries source text through the IR
// verbatim: the document is a single node holding the file's content.
// It stands in until a real parser/generator pair is registered for the
// framework, keeping digests, deltas, and mirroring fully functional.
func Passthrough(tag string) Adapter {
	return Adapter{
		Convert: func(ctx context.Context, path string) (*ir.Document, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, &ConversionError{Kind: ErrIO, Path: path, Err: err}
			}
			return &ir.Document{
				SchemaVersion: ir.SchemaVersion,
				Metadata:      ir.Metadata{Framework: tag, SourcePath: path},
				Nodes: []*ir.Node{
					{
						ID:    "source",
						Type:  "raw",
						Props: map[string]any{"content": string(data)},
					},
				},
			}, nil
		},
		Generate: func(ctx context.Context, doc *ir.Document, outPath string) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(doc.Nodes) == 0 {
				return &ConversionError{Kind: ErrParse, Path: outPath,
					Err: fmt.Errorf("document has no nodes")}
			}
			content, _ := doc.Nodes[0].Props["content"].(string)
			if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
				return &ConversionError{Kind: ErrIO, Path: outPath, Err: err}
			}
			return nil
		},
		TestStub: func(componentName string) []byte {
			return []byte(fmt.Sprintf(
				"// Placeholder test for %s.\n// Regenerated until test conversion is supported for %s.\n",
				componentName, tag))
		},
	}
}
