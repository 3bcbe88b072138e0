// Package scheduler turns ready tasks into work-sets on pool queues.
//
// A cycle selects Waiting tasks whose job still accepts work and whose
// prerequisites are satisfied, groups them by pool and colocation, packs
// colocated groups up to the pool's vm_count limit, and dispatches one
// work-set per group: members move Waiting to Scheduled under version
// stamps, the work-set record is stored, and a reference envelope lands on
// the pool queue. A version conflict on any member abandons the group
// before anything is visible to agents.
package scheduler
