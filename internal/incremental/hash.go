package incremental

import (
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// HashContent returns the hex BLAKE2b-256 digest of content.
func HashContent(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// aggregateHashes digests the symbol registry and dependency list of a set of
// entries in path order.
func aggregateHashes(entries map[string]*FileEntry) (symbols, deps string) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	sh, _ := blake2b.New256(nil)
	dh, _ := blake2b.New256(nil)
	for _, p := range paths {
		e := entries[p]
		for _, s := range e.Symbols {
			fmt.Fprintf(sh, "%s\x00%s\x00%s\x00%s\x00%d\x00%d\x00%t\n",
				p, s.Kind, s.Container, s.Name, s.Line, s.EndLine, s.HasDoc)
		}
		for _, d := range e.Dependencies {
			fmt.Fprintf(dh, "%s\x00%s\x00%s\x00%s\x00%s\n", p, d.Kind, d.From, d.Target, d.Alias)
		}
	}
	return hex.EncodeToString(sh.Sum(nil)), hex.EncodeToString(dh.Sum(nil))
}
