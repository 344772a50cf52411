package main

import "github.com/sunil10patil/arangodb-agency/internal/httpapi"

// httpTransportForClient builds the agent.Transport used for peer-to-peer
// AppendEntries/RequestVote RPCs, backed by the same HTTP contract this
// process itself serves (internal/httpapi.HTTPTransport).
func httpTransportForClient() *httpapi.HTTPTransport {
	return httpapi.NewHTTPTransport(nil)
}
