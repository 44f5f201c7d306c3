// slog is a geo-distributed, deterministic transactional key-value store.
// Data is partitioned across the machines of a region and replicated across
// regions; every key is mastered at exactly one region at a time. Locally
// ordered single-home batches and globally ordered multi-home batches are
// interleaved into identical per-replica logs, so every machine replaying a
// log reaches the same commit decisions without any cross-replica commit
// protocol.
package slog
