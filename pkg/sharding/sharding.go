// Package sharding implements the user-to-shard hashing and Raft node id
// encoding of spec §6.2. It is grounded on the teacher repo's general
// preference for small, dependency-free pure functions (e.g.
// pkg/vecmath's distance helpers) rather than any one teacher file, since
// the teacher has no multi-tenant sharding concept of its own.
package sharding

import (
	"crypto/sha256"
	"fmt"
)

// ShardForUser computes shard_id = u32_le(sha256(user_id)[0..4]) mod
// shard_count. Single-shard deployments (shard_count <= 1) always return 0.
func ShardForUser(userID string, shardCount uint32) uint32 {
	if shardCount <= 1 {
		return 0
	}
	sum := sha256.Sum256([]byte(userID))
	v := uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
	return v % shardCount
}

// maxPhysicalNodeID bounds physical_node_id to keep shard*1000+node
// collision-free across shards (spec §6.1: "physical_node_id is reserved
// to < 1000").
const maxPhysicalNodeID = 999

// EncodeRaftNodeID composes the Raft node id raft_id = shard_id*1000 +
// physical_node_id.
func EncodeRaftNodeID(shardID, physicalNodeID uint32) (uint64, error) {
	if physicalNodeID == 0 || physicalNodeID > maxPhysicalNodeID {
		return 0, fmt.Errorf("sharding: physical_node_id %d out of range [1, %d]", physicalNodeID, maxPhysicalNodeID)
	}
	return uint64(shardID)*1000 + uint64(physicalNodeID), nil
}

// DecodeRaftNodeID splits a Raft node id back into (shard_id,
// physical_node_id) by exact division, the inverse of EncodeRaftNodeID.
func DecodeRaftNodeID(raftID uint64) (shardID, physicalNodeID uint32) {
	shardID = uint32(raftID / 1000)
	physicalNodeID = uint32(raftID % 1000)
	return shardID, physicalNodeID
}

// maxPort is the saturating ceiling applied to base_port + shard_id so the
// computed listen address never overflows a 16-bit TCP port.
const maxPort = 65535

// ListenAddress computes the per-shard Raft listen address host:(base_port
// + shard_id), clamped (saturating) to the valid TCP port range.
func ListenAddress(host string, basePort uint16, shardID uint32) string {
	port := uint32(basePort) + shardID
	if port > maxPort {
		port = maxPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
