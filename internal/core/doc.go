// Package core is the request/response forwarding engine of relayd.
//
// A Proxy owns the shared collaborators (parser, scheduler, cache, policy,
// error pages). Client connections feed bytes into ClientConn.Process, which
// drives each pipelined request through the lifecycle state machine and
// registers it in the connection's sequencing queue. Requests are handed to a
// backend ServerConn whose forwarding queue transmits them in order, honouring
// the non-idempotent hold, and repairs or reschedules them when the backend
// connection fails. Backend bytes are fed into ServerConn.Process, paired
// with the oldest unanswered request and released to the client strictly in
// request order.
package core
