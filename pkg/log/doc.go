/*
Package log provides structured logging for the node store using zerolog.

Call Init once at startup. Packages then derive component loggers:

	logger := log.WithComponent("node")
	logger.Info().Str("node_ref", ref.String()).Msg("Node archived")

Console output is human readable unless JSONOutput is set. When File is
configured, every entry is also written as JSON to a file rotated by
lumberjack.
*/
package log
