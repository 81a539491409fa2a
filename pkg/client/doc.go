/*
Package client is a thin HTTP client for the hearthd control plane,
used by the CLI. Error responses are decoded into APIError so callers
can branch on the control plane's error codes.
*/
package client
