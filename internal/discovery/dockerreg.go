package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"overlayplane/internal/domain"
)

// DockerSeedSource discovers sibling containers on a shared Docker network
// by label, via the real Engine API client, and turns them into
// NodeAddress seed candidates for Manual Discovery. Unlike a Registrar,
// nothing needs to be published: container labels already carry the
// node id and port, so discovery is read-only.
type DockerSeedSource struct {
	cli         *client.Client
	network     string
	labelKey    string // container label holding the peer's NodeId, hex
	port        uint16
}

// NewDockerSeedSource connects to the local Docker daemon using the
// standard environment-derived configuration.
func NewDockerSeedSource(network, labelKey string, port uint16) (*DockerSeedSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker seed source: %w", err)
	}
	return &DockerSeedSource{cli: cli, network: network, labelKey: labelKey, port: port}, nil
}

// Discover lists running containers carrying labelKey and attached to
// network, and resolves each into a NodeAddress reachable by container
// name (Docker's embedded DNS resolves it inside the network).
func (d *DockerSeedSource) Discover(ctx context.Context) ([]domain.NodeAddress, error) {
	f := filters.NewArgs(filters.Arg("label", d.labelKey), filters.Arg("network", d.network))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker seed source: list: %w", err)
	}

	var out []domain.NodeAddress
	for _, c := range containers {
		hexID, ok := c.Labels[d.labelKey]
		if !ok {
			continue
		}
		id, err := domain.ParseNodeIdHex(hexID)
		if err != nil {
			continue
		}
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		if name == "" {
			continue
		}
		out = append(out, domain.NodeAddress{
			Id: id,
			Endpoints: []domain.Endpoint{{
				Scheme: "udp",
				Host:   name,
				Port:   d.port,
			}},
		})
	}
	return out, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func (d *DockerSeedSource) Close() error { return d.cli.Close() }
