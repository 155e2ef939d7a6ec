package redis

import "github.com/xraph/courier/job"

// Redis key naming conventions. All keys share keyPrefix.

const keyPrefix = "courier:"

// ── Job keys ──

// jobKeyPrefix prefixes a job hash; scripts append the job id.
const jobKeyPrefix = keyPrefix + "job:"

// jobKey returns the hash key for a job: courier:job:{id}
func jobKey(id string) string { return jobKeyPrefix + id }

// stateKey returns the sorted set holding a queue's jobs in one state:
// courier:queue:{name}:{state}. Waiting is scored by priority then
// sequence, active by lease expiry, delayed by available time, and the
// terminal states by finish time.
func stateKey(queue string, state job.State) string {
	return keyPrefix + "queue:" + queue + ":" + string(state)
}

// queueJobsKey is the sorted set of every job of a queue scored by
// sequence: courier:queue:{name}:all
func queueJobsKey(queue string) string { return keyPrefix + "queue:" + queue + ":all" }

// dedupeKey maps dedupe keys to live job ids for a queue.
func dedupeKey(queue string) string { return keyPrefix + "dedupe:" + queue }

// jobsKey is the sorted set of every job scored by sequence.
const jobsKey = keyPrefix + "jobs"

// queuesKey is the set of queue names that ever held a job.
const queuesKey = keyPrefix + "queues"

// seqKey is the creation sequence counter.
const seqKey = keyPrefix + "seq"

// ── Cluster keys ──

// instanceKey returns the hash key for an instance: courier:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// instanceIDsKey is the set tracking all instance ids.
const instanceIDsKey = keyPrefix + "instance_ids"

// leaderKey stores the current leader instance id with a TTL.
const leaderKey = keyPrefix + "leader"

// ── Event bus ──

// busPrefix prefixes every Pub/Sub channel used by the Medium.
const busPrefix = keyPrefix + "bus:"
