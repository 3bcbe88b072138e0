/*
Package types defines the entities of the Hutch control plane and the wire
shapes exchanged with agents.

The five long-lived entities (Job, Task, Pool, Scaleset, Node) each carry an
explicit state enum and an embedded Meta holding the optimistic-concurrency
stamp managed by pkg/storage. Association records (NodeTasks, NodeMessage,
TaskEvent, ProxyForward) tie entities together by id only; entities never hold
object references to each other, so there are no reference cycles to break.

State predicates (NeedsWork, Available, ReadyForReset, ...) are defined next to
the enums so that repositories, the scheduler, and the reconcilers all agree on
the same state subsets.

Ownership rules:

  - Job owns Tasks: stopping a Job stops its Tasks.
  - Scaleset owns Nodes: halting a Scaleset halts its Nodes.
  - Pool references Scalesets and Nodes without owning their lifetime.

Everything here is a plain serializable value; behavior lives in pkg/registry
and pkg/reconciler.
*/
package types
