/*
Package log provides structured logging for Hearthd built on zerolog.

Call Init once at process start, then use the global Logger or the With*
helpers to derive child loggers carrying standard fields (component, agent,
correlation_id, job_id). Console output is the default; JSON output is used
when running under a supervisor that collects logs.
*/
package log
