package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Sanitize replaces every run of characters outside [a-zA-Z0-9_-] with "_",
// the sanitiser the container-name formula in spec §3 is documented against.
func Sanitize(s string) string {
	return sanitizeRe.ReplaceAllString(s, "_")
}

// ContainerName computes the deterministic name
// ploinky_{sanitize(repo)}_{sanitize(agent)}_{sanitize(basename(cwd))}_{first8(sha256(cwd))}.
func ContainerName(repo, agent, projectPath string) string {
	base := filepath.Base(projectPath)
	sum := sha256.Sum256([]byte(projectPath))
	hash8 := hex.EncodeToString(sum[:])[:8]
	return strings.Join([]string{
		"ploinky",
		Sanitize(repo),
		Sanitize(agent),
		Sanitize(base),
		hash8,
	}, "_")
}
