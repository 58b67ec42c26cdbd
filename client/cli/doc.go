/*
Package cli is the command-line client for corral sessions. Every command
is a thin call into the session manager or the wave scheduler, working
directly against the store named by --config: there is no server between
the client and the workers.
*/
package cli
