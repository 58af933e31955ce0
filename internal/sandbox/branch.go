package sandbox

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxSlugLen keeps branch names readable even for long task titles.
const maxSlugLen = 40

// BranchName builds a deterministic, collision-resistant branch name:
// <prefix>/<YYYYMMDD>/<slug>-<hash8>-a<attempt>. The hash is derived from
// the task id, so tasks sharing a title still get distinct branches, and
// the attempt suffix keeps retries apart.
func BranchName(prefix, taskID, title string, attempt int, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s-a%d",
		prefix,
		now.UTC().Format("20060102"),
		slugify(title),
		hashID(taskID),
		attempt,
	)
}

// slugify reduces a title to the branch-safe character set.
func slugify(input string) string {
	var b strings.Builder
	lastDash := false
	for i := 0; i < len(input) && b.Len() < maxSlugLen; i++ {
		c := input[i]
		valid := (c >= 'A' && c <= 'Z') ||
			(c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9')
		if !valid {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
		lastDash = false
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "task"
	}
	return slug
}

func hashID(input string) string {
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:8]
}
