package objectkey

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator defines the interface for thumbnail blob naming strategies.
// Every call must return a key that was never returned before.
type Generator interface {
	// GenerateKey creates a blob key for a thumbnail attached to postID
	GenerateKey(postID uuid.UUID, metadata *KeyMetadata) string
}

// KeyMetadata contains information that influences key generation
type KeyMetadata struct {
	FileName    string
	ContentType string
	CreatorID   uuid.UUID
}

// ShardedGenerator spreads blobs across two-level prefixes derived from a
// random object id.
// Layout: {prefix}/{shard}/{objectid}_{unixnano}_{filename}
type ShardedGenerator struct {
	// Prefix is the leading path component (default: "thumbnails")
	Prefix string
	// ShardLength controls how many characters to use for sharding (default: 2)
	ShardLength int

	now func() time.Time
}

func NewShardedGenerator() *ShardedGenerator {
	return &ShardedGenerator{
		Prefix:      "thumbnails",
		ShardLength: 2,
		now:         time.Now,
	}
}

func (g *ShardedGenerator) GenerateKey(postID uuid.UUID, metadata *KeyMetadata) string {
	objectID := strings.ReplaceAll(uuid.New().String(), "-", "")

	shardLen := g.ShardLength
	if shardLen <= 0 || shardLen > len(objectID) {
		shardLen = 2
	}
	shard := objectID[:shardLen]
	remaining := objectID[shardLen:]

	now := time.Now
	if g.now != nil {
		now = g.now
	}
	name := fmt.Sprintf("%s_%d", remaining, now().UnixNano())
	if metadata != nil && metadata.FileName != "" {
		name = fmt.Sprintf("%s_%s", name, SanitizeFilename(metadata.FileName))
	}

	prefix := g.Prefix
	if prefix == "" {
		prefix = "thumbnails"
	}
	return path.Join(prefix, shard, name)
}

// TimestampGenerator produces flat names in the form
// {unixmillis}_{suffix}_{filename}. The random suffix keeps two uploads of
// the same file within one millisecond apart.
type TimestampGenerator struct {
	Prefix string

	now func() time.Time
}

func NewTimestampGenerator(prefix string) *TimestampGenerator {
	return &TimestampGenerator{Prefix: prefix, now: time.Now}
}

func (g *TimestampGenerator) GenerateKey(postID uuid.UUID, metadata *KeyMetadata) string {
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	name := fmt.Sprintf("%d_%s", now().UnixMilli(), suffix)
	if metadata != nil && metadata.FileName != "" {
		name = fmt.Sprintf("%s_%s", name, SanitizeFilename(metadata.FileName))
	}
	if g.Prefix == "" {
		return name
	}
	return path.Join(g.Prefix, name)
}

// CustomFuncGenerator allows users to provide their own key generation function
type CustomFuncGenerator struct {
	GenerateFunc func(postID uuid.UUID, metadata *KeyMetadata) string
}

func NewCustomFuncGenerator(fn func(postID uuid.UUID, metadata *KeyMetadata) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{
		GenerateFunc: fn,
	}
}

func (g *CustomFuncGenerator) GenerateKey(postID uuid.UUID, metadata *KeyMetadata) string {
	return g.GenerateFunc(postID, metadata)
}

var filenameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	" ", "_",
)

// SanitizeFilename replaces characters that are unsafe in object keys and
// file paths. Leading dots are stripped so a name can never climb directories.
func SanitizeFilename(filename string) string {
	name := filenameReplacer.Replace(filename)
	name = strings.TrimLeft(name, ".")
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	return name
}

// NewRecommendedGenerator returns the default generator for new installations
func NewRecommendedGenerator() Generator {
	return NewShardedGenerator()
}
