package main

import (
	"flag"
	"fmt"
	"os"

	"driftpursuit/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay headers")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d)\n", entry.ReplayPath, entry.Header.SchemaVersion)
		fmt.Printf("  session: %s/%s\n", entry.Header.SessionUser, entry.Header.SessionGUID)
		fmt.Printf("  opened: %s\n", entry.Header.OpenedAt)
		fmt.Printf("  header: %s\n", entry.HeaderPath)
	}
}
