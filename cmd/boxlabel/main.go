package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/ivlev/boxlabel/internal/config"
	"github.com/ivlev/boxlabel/internal/engine"
	"github.com/ivlev/boxlabel/internal/system"
)

func main() {
	configPtr := flag.String("config", "", "Path to a YAML config file")
	inputPtr := flag.String("input", "", "Image directory or PDF file")
	outputPtr := flag.String("output", "", "Directory for annotations and exports")
	labelsPtr := flag.String("labels", "", "Comma-separated label list, in class order")
	exportPtr := flag.Bool("export", false, "Write normalized detection files for all annotated images")
	statsPtr := flag.Bool("stats", false, "Print project and cache statistics")
	writeConfigPtr := flag.String("write-config", "", "Write the effective config to this path and exit")

	flag.Parse()

	cfg := config.Default()
	if *configPtr != "" {
		loaded, err := config.Load(*configPtr)
		if err != nil {
			log.Fatalf("[-] %v", err)
		}
		cfg = loaded
	}
	if *inputPtr != "" {
		cfg.InputDir = *inputPtr
	}
	if *outputPtr != "" {
		cfg.OutputDir = *outputPtr
	}
	if *labelsPtr != "" {
		cfg.Labels = splitLabels(*labelsPtr)
	}

	if *writeConfigPtr != "" {
		if err := cfg.Save(*writeConfigPtr); err != nil {
			log.Fatalf("[-] %v", err)
		}
		fmt.Printf("[+++] Config written to %s\n", *writeConfigPtr)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	project, err := engine.Open(ctx, cfg, log.Default())
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			flag.Usage()
		}
		log.Fatalf("[-] Could not open project: %v", err)
	}
	defer project.Close()

	if *statsPtr {
		printStats(project)
	}

	if *exportPtr {
		res, err := project.Export(ctx)
		if err != nil {
			project.Close()
			log.Fatalf("[-] Export failed: %v", err)
		}
		if len(res.Skipped) > 0 {
			fmt.Printf("[!] %d annotated images are missing from %s\n", len(res.Skipped), cfg.InputDir)
		}
		fmt.Printf("[+++] Exported %d annotations for %d images to %s\n", res.Annotations, res.Files, cfg.OutputDir)
	}
}

func splitLabels(s string) []string {
	var labels []string
	for _, l := range strings.Split(s, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

func printStats(p *engine.Project) {
	s := p.Summary()
	fmt.Println("--- [PROJECT] ---")
	fmt.Printf("Images: %d | Annotated: %d | Annotations: %d\n", s.Images, s.Annotated, s.Annotations)
	fmt.Printf("Labels: %s\n", strings.Join(s.Labels, ", "))
	fmt.Printf("Cache: %d resident, %d failed, %s, batch %d, generation %d, resize hits %.0f%%\n",
		s.Cache.Resident, s.Cache.Failed, system.FormatBytes(s.Cache.Bytes), s.Cache.BatchSize, s.Cache.Generation,
		s.Cache.ResizeHitRate*100)
	if mem, err := system.HostMemory(); err == nil {
		fmt.Printf("Host memory: %s\n", mem)
	}
	fmt.Println("-----------------")
}
