// Command lock-relay serves the WebSocket relay that lock-demo peers using
// the ws backend connect through.
package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/broadcast"
)

func main() {
	addr := flag.String("addr", ":7948", "Listen address")
	flag.Parse()

	http.Handle("/", broadcast.RelayHandler())
	log.Printf("relay listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
