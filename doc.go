// Package tickwire is a server-authoritative state replication engine.
// A host simulation advances in discrete ticks; after each tick the
// engine diffs the entity store against per-client bookkeeping and
// emits two message streams per client: a reliable update stream for
// structural changes (spawns, component inserts, removals, despawns
// and identity mappings) and an unreliable mutate stream for component
// value changes, throttled by accumulated priority and reconciled
// through acknowledgments.
//
// The root package holds the shared vocabulary: entity identifiers,
// tick counters, component and event registries, replication rules and
// the codec contract. Subpackages build on it: store defines the
// entity source contract, visibility scopes entities per client,
// signature matches preexisting client entities to server ones, server
// runs the per-tick pipeline and transport carries the produced
// payloads.
package tickwire
