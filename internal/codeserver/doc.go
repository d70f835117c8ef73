// Package codeserver is the server end of the development channel: it
// accepts client connections, runs the version handshake and module load,
// then services client calls while letting server code call into the
// client's script engine reentrantly.
package codeserver
