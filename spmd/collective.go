package spmd

import (
	"context"
	"fmt"
	"sync"
)

// Collective sums device contributions across every host of a mesh. Each
// host passes the buffers of its own DevicesPerHost devices and receives the
// reduced replicas for those same devices. Reductions are matched in call
// order, so every host must issue the same sequence of calls.
type Collective interface {
	AllReduce(ctx context.Context, host int, local [][]float64) ([][]float64, error)
}

type localCollective struct {
	mesh Mesh
}

// Local returns the in-process collective. Remote hosts are represented by
// their zero contributions, which is exact for a single host and for the
// primary of a larger mesh.
func Local(m Mesh) Collective { return localCollective{mesh: m} }

func (c localCollective) AllReduce(ctx context.Context, host int, local [][]float64) ([][]float64, error) {
	if err := checkLocal(c.mesh, host, local); err != nil {
		return nil, err
	}
	n := len(local[0])
	contributions := make([][]float64, 0, c.mesh.Devices())
	for h := 0; h < c.mesh.Hosts; h++ {
		if h == host {
			contributions = append(contributions, local...)
			continue
		}
		for range c.mesh.DevicesPerHost {
			contributions = append(contributions, make([]float64, n))
		}
	}
	replicas, err := AllReduceSum(ctx, contributions)
	if err != nil {
		return nil, err
	}
	return hostSlice(c.mesh, host, replicas), nil
}

// Group is a Collective shared by several hosts running in one process.
// A reduction completes once every host of the mesh has joined it. A host
// whose context ends before it joins leaves the others waiting until
// their own contexts end.
type Group struct {
	mesh Mesh

	mu    sync.Mutex
	round *round
}

type round struct {
	contributions [][]float64
	joined        []bool
	arrived       int
	done          chan struct{}
	replicas      [][]float64
	err           error
}

// NewGroup creates a collective for every host of m.
func NewGroup(m Mesh) (*Group, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Group{mesh: m}, nil
}

// AllReduce joins the current reduction and blocks until it completes.
func (g *Group) AllReduce(ctx context.Context, host int, local [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkLocal(g.mesh, host, local); err != nil {
		return nil, err
	}

	g.mu.Lock()
	r := g.round
	if r == nil {
		r = &round{
			contributions: make([][]float64, g.mesh.Devices()),
			joined:        make([]bool, g.mesh.Hosts),
			done:          make(chan struct{}),
		}
		g.round = r
	}
	if r.joined[host] {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: host %d joined a reduction twice", ErrMesh, host)
	}
	r.joined[host] = true
	copy(r.contributions[host*g.mesh.DevicesPerHost:], local)
	r.arrived++
	if r.arrived == g.mesh.Hosts {
		g.round = nil
		r.replicas, r.err = AllReduceSum(context.WithoutCancel(ctx), r.contributions)
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return hostSlice(g.mesh, host, r.replicas), nil
}

func checkLocal(m Mesh, host int, local [][]float64) error {
	if host < 0 || host >= m.Hosts {
		return fmt.Errorf("%w: host %d of %d", ErrMesh, host, m.Hosts)
	}
	if len(local) != m.DevicesPerHost {
		return fmt.Errorf("%w: host %d sent %d buffers, want %d", ErrMesh, host, len(local), m.DevicesPerHost)
	}
	return nil
}

func hostSlice(m Mesh, host int, replicas [][]float64) [][]float64 {
	return replicas[host*m.DevicesPerHost : (host+1)*m.DevicesPerHost]
}
