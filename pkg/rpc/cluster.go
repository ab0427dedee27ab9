package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/cluster"
	"github.com/code-payments/escrow-server/pkg/solana"
)

const healthOK = "ok"

// ClusterNode describes how to reach a node. Nodes publish it as their
// cluster membership data.
type ClusterNode = solana.ClusterNode

// WithCluster lists the members of c in getClusterNodes. Without a cluster,
// only the serving node is listed.
func WithCluster(c cluster.Cluster) Option {
	return func(s *Server) {
		s.cluster = c
	}
}

// WithNodeInfo sets the identity and address the server reports for itself.
func WithNodeInfo(self ClusterNode) Option {
	return func(s *Server) {
		s.self = self
	}
}

func (s *Server) getClusterNodes(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	if s.cluster == nil {
		return []ClusterNode{s.self}, nil
	}

	members, err := s.cluster.GetMembers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failure getting cluster members")
	}

	nodes := make([]ClusterNode, 0, len(members))
	for _, m := range members {
		var node ClusterNode
		if err := json.Unmarshal([]byte(m.Data), &node); err != nil {
			s.log.WithError(err).WithField("member", m.ID).Warn("invalid cluster member data, skipping")
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *Server) getIdentity(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return map[string]string{"identity": s.self.Pubkey}, nil
}

func (s *Server) getVersion(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return map[string]string{"solana-core": s.self.Version}, nil
}

func (s *Server) getHealth(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	return healthOK, nil
}
