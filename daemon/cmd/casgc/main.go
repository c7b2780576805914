// Command casgc garbage-collects a node's chunk store: chunk bytes older
// than -max-age are removed. It passes no set of live transfers to
// CleanupOrphans, so chunks of a FileId that is still in progress are not
// exempt.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/meshdrop/backend/internal/store"
)

func main() {
	path := flag.String("db", "chunks.db", "Path to the chunk store DB")
	maxAge := flag.Duration("max-age", 24*time.Hour, "Max age for chunk store entries")
	flag.Parse()

	chunkStore, err := store.Open(*path)
	if err != nil {
		panic(err)
	}
	defer chunkStore.Close()
	removed, err := chunkStore.CleanupOrphans(*maxAge, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("chunk store GC removed %d entries older than %s\n", removed, maxAge.String())
}
