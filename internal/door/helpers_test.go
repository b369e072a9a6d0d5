package door

import "github.com/MarcoPoloResearchLab/doorsync/internal/replication"

func replicationAck(uids []int64) replication.ReplicationReceivedAck {
	return replication.ReplicationReceivedAck{ReplicationUIDs: uids}
}
