package wire

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_wire_messages_sent_total",
	Help: "counter of protocol request messages written to server connections",
}, []string{"type"})

var messagesReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_wire_messages_received_total",
	Help: "counter of protocol response messages read from server connections",
}, []string{"type"})

var channelFailureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_wire_failures_total",
	Help: "counter of FAILURE responses received, by server error code",
}, []string{"code"})

var connectionsOpenedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arcgraph_wire_connections_opened_total",
	Help: "counter of established server connections",
}, []string{"address"})

func requestName(tag byte) string {
	switch tag {
	case msgHello:
		return "HELLO"
	case msgRun:
		return "RUN"
	case msgBegin:
		return "BEGIN"
	case msgCommit:
		return "COMMIT"
	case msgRollback:
		return "ROLLBACK"
	case msgReset:
		return "RESET"
	case msgPullAll:
		return "PULL_ALL"
	}
	return fmt.Sprintf("0x%02X", tag)
}

func responseName(tag byte) string {
	switch tag {
	case msgSuccess:
		return "SUCCESS"
	case msgRecord:
		return "RECORD"
	case msgIgnored:
		return "IGNORED"
	case msgFailure:
		return "FAILURE"
	}
	return fmt.Sprintf("0x%02X", tag)
}
