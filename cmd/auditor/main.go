// The auditor is a standalone durable consumer over every classroom topic.
// It demonstrates the decoupling the broker bridge exists for: consumers that
// observe the full message flow without touching the gateway. Handled
// messages are acknowledged; failures are left for redelivery.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/classhub/classchat/internal/broker"
	"github.com/classhub/classchat/internal/message"
)

const consumerName = "auditor"

func main() {
	config := broker.DefaultConfig()
	config.Name = consumerName
	if v := os.Getenv("NATS_URL"); v != "" {
		config.URL = v
	}

	bridge := broker.New(config)
	defer bridge.Disconnect()

	log.Printf("auditor starting (nats_url=%s)", config.URL)

	// The bridge connects lazily; keep retrying until the subscription holds.
	for {
		err := bridge.Consume(broker.TopicAll(), consumerName, audit)
		if err == nil {
			break
		}
		log.Printf("auditor: subscribe failed: %v (retrying in 5s)", err)
		time.Sleep(5 * time.Second)
	}

	log.Printf("auditor consuming %s", broker.TopicAll())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("auditor stopping")
}

// audit records one delivered message. Returning an error leaves the message
// unacknowledged so the broker redelivers it.
func audit(payload []byte) error {
	var msg message.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("auditor: decode: %w", err)
	}

	log.Printf("[audit] message id=%s room=%q from=%s (%s) at=%s len=%d",
		msg.ID, msg.ClassRoom.Name, msg.User.ID, msg.User.Name,
		msg.CreatedAt.Format(time.RFC3339), len(msg.Text))
	return nil
}
