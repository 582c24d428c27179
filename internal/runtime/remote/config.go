package remote

import (
	"fmt"
	"log/slog"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// ProtocolVersion is the version this build sends in server handshakes.
var ProtocolVersion = semver.MustParse("1.0.0")

// DefaultVersionConstraint accepts every 1.x peer.
const DefaultVersionConstraint = "^1.0.0"

// DefaultAppID is used when no application ids are configured.
const DefaultAppID = "meshwire"

// Config configures an Instance.
type Config struct {
	// Node is this node's identity. Required.
	Node wire.NodeID
	// AppIDs is the whitelist checked against a server handshake and
	// advertised in our own.
	AppIDs []string
	// VersionConstraint is a semver constraint the remote protocol version
	// must satisfy.
	VersionConstraint string
	// Version overrides ProtocolVersion in outgoing handshakes.
	Version *semver.Version
	// Workers is the number of decode workers. Zero decodes inline.
	Workers int
	// Codec decodes message content. Defaults to JSONCodec.
	Codec  Codec
	Logger *slog.Logger
}

// EncodeVersion packs v as major<<32 | minor<<16 | patch.
func EncodeVersion(v *semver.Version) uint64 {
	return v.Major()<<32 | (v.Minor()&0xffff)<<16 | v.Patch()&0xffff
}

// DecodeVersion unpacks a version produced by EncodeVersion.
func DecodeVersion(raw uint64) *semver.Version {
	return semver.New(raw>>32, (raw>>16)&0xffff, raw&0xffff, "", "")
}

func (c *Config) normalize() (*semver.Constraints, error) {
	if !c.Node.Valid() {
		return nil, fmt.Errorf("remote config: node id required")
	}
	if len(c.AppIDs) == 0 {
		c.AppIDs = []string{DefaultAppID}
	}
	if c.VersionConstraint == "" {
		c.VersionConstraint = DefaultVersionConstraint
	}
	constraint, err := semver.NewConstraint(c.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("remote config: version constraint %q: %w", c.VersionConstraint, err)
	}
	if c.Version == nil {
		c.Version = ProtocolVersion
	}
	if c.Codec == nil {
		c.Codec = JSONCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	return constraint, nil
}
