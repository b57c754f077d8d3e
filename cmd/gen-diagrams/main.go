// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/sagacore/examples/orderfulfillment"
	"github.com/rendis/sagacore/internal/diagram"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

func main() {
	def, err := orderfulfillment.Definition(orderfulfillment.NewServices())
	if err != nil {
		fmt.Fprintf(os.Stderr, "definition error: %v\n", err)
		os.Exit(1)
	}

	// A large order whose payment was declined after approval: stock is
	// released by compensation and the saga ends failed.
	now := time.Now().UTC()
	from := -1
	inst := &store.SagaInstance{
		Status:           schema.SagaStatusFailed,
		CurrentStep:      2,
		CompensatingFrom: &from,
		StepResults: []store.StepResult{
			{StepName: orderfulfillment.StepReserve, Status: schema.StepStatusCompleted, CompletedAt: now},
			{StepName: orderfulfillment.StepApproval, Status: schema.StepStatusCompleted, CompletedAt: now},
			{StepName: orderfulfillment.StepCharge, Status: schema.StepStatusFailed, Error: "card declined", CompletedAt: now},
			{StepName: orderfulfillment.StepReserve + schema.CompensateSuffix, Status: schema.StepStatusCompleted, CompletedAt: now},
		},
	}

	model, err := diagram.Build(&def, inst)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir error: %v\n", err)
		os.Exit(1)
	}

	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	os.WriteFile(pngPath, png, 0o644)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}
