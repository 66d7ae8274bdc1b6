// Operator tool to seed watch descriptors into a taskwatch database.
// The daemon adopts seeded tasks on its next boot through the normal
// recovery path: probe, reconcile or re-attach.
//
// Usage:
//
//	watchseed -db /data/taskwatch.db -manifest watches.yaml
//	watchseed -db /data/taskwatch.db -task task-abc -endpoint https://mesh.example/sse/subscribe/task-abc -meta resourceId=project-1,operation=upload
//	watchseed -db /data/taskwatch.db -list
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/SolaceLabs/taskwatch/internal/config"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/registry"
	"github.com/SolaceLabs/taskwatch/internal/store"
)

func main() {
	dbPath := flag.String("db", "/data/taskwatch.db", "path to taskwatch.db")
	manifest := flag.String("manifest", "", "YAML manifest of watches to seed")
	taskID := flag.String("task", "", "single task id to seed")
	endpoint := flag.String("endpoint", "", "subscription endpoint for -task")
	meta := flag.String("meta", "", "comma-separated key=value metadata for -task")
	list := flag.Bool("list", false, "print the stored descriptor set and exit")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	reg := registry.New(db, logging.New(false))

	if *list {
		for _, d := range reg.List() {
			fmt.Printf("%s\t%s\t%v\n", d.TaskID, d.Endpoint, d.Metadata)
		}
		return
	}

	switch {
	case *manifest != "":
		man, err := config.LoadManifest(*manifest)
		if err != nil {
			log.Fatalf("load manifest: %v", err)
		}
		for _, w := range man.Watches {
			reg.Register(registry.Descriptor{TaskID: w.TaskID, Endpoint: w.Endpoint, Metadata: w.Metadata})
			fmt.Printf("  seeded: %s (%s)\n", w.TaskID, w.Endpoint)
		}
		fmt.Printf("\nSeeded %d watches. The daemon adopts them on its next boot.\n", len(man.Watches))
	case *taskID != "":
		if *endpoint == "" {
			log.Fatal("-task needs -endpoint")
		}
		reg.Register(registry.Descriptor{TaskID: *taskID, Endpoint: *endpoint, Metadata: parseMeta(*meta)})
		fmt.Printf("Seeded %s (%s). The daemon adopts it on its next boot.\n", *taskID, *endpoint)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// parseMeta parses comma-separated "key=value" pairs into a map.
func parseMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	meta := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			meta[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return meta
}
