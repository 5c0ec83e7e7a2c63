/*
Package pipeline sequences the stages of a site backup run and defines the
success and failure contract of a run.

A run always starts with the archive stage (tar on the remote host over ssh)
followed by the transfer stage (ftp or sftp into the local staging directory).
Both are required: if either fails the run is Aborted and the optional stages
that depend on the local archive are skipped. The optional stages run in this
order when enabled:

	database  mysqldump into the staging directory
	encrypt   replace local artifacts with AES-GCM encrypted copies
	upload    copy local artifacts to offsite object storage
	publish   commit local artifacts into a git repository and push

A failing optional stage is recorded and the run continues with the artifacts
produced so far; the outcome is then PartiallyCompleted. Only a run in which
every enabled stage succeeded is Completed.

Archive and transfer are retried with exponential backoff when the failure is
classified as recoverable (network errors, timeouts, transient FTP replies).
The other stages are never retried.

Basic usage:

	orch, err := pipeline.NewOrchestrator(pipeline.Stages{
		Archiver:   archiver,
		Transferer: transferer,
		Dumper:     dumper, // nil disables the database stage
	}, pipeline.Options{Retry: retryConfig, Timeout: time.Hour}, logger, printer)
	if err != nil {
		return err
	}
	outcome := orch.Run(ctx)
	if outcome.Status != pipeline.RunStatusCompleted {
		return outcome.Err()
	}
*/
package pipeline
