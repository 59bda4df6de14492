/*
Package sink implements the fan-out engine with per-job staging and
atomic commit.

Two sink kinds share one lifecycle contract. A columnar-file sink
stages Arrow batches into a snappy-compressed parquet file at
<live>.stg.<job_id> and commits by rename: onto the live path under
overwrite mode, or into the live directory as part-<job_id>.parquet
under append mode (the readable dataset is the directory listing). A
relational-table sink stages into <live>_stg_<job_id> and commits in a
single transaction: drop-and-rename under overwrite, insert-select plus
drop under append.

Opening a handle is self-healing: any staging artifact left by a prior
crashed attempt with the same job id is destructively removed before
writing, so retries with the same job id are idempotent. Committing a
destination the same job already promoted is a no-op (probed by the
part file's existence for parquet, by the _cf_job_id lineage column for
tables), which keeps retries after partial fan-out commits safe.

A destination that fails mid-commit leaves already-committed peers in
place; the worker destroys the staging of uncommitted destinations and
reports per-destination outcomes in the job summary.
*/
package sink
