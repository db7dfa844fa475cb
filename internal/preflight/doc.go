// Package preflight runs environment checks before hybridrag is trusted
// with real work: the store and log directories are writable, there is
// disk to grow into, the embedding model answers, the generation endpoint
// is reachable and the collection's stored width matches the configuration.
//
//	checker := preflight.New(preflight.WithOutput(os.Stdout))
//	results := checker.RunAll(ctx, checks...)
//	if checker.HasCriticalFailures(results) {
//	    // refuse to continue
//	}
package preflight
