package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/robotalks/linkstack/pkg/telemetry"
	"github.com/robotalks/linkstack/pkg/transport/mqtt"
)

var (
	mqttURL = "mqtt://localhost:1883/linkstack/"
	node    = "+"
)

func init() {
	if val := os.Getenv("LINKSTACK_TELEMETRY_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&node, "node", node, "Only show this node.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	if err := q.Connect(); err != nil {
		log.Fatalln(err)
	}

	q.Sub(telemetry.Topic(node), mqtt.Handler(func(topic string, payload []byte) {
		snap, err := telemetry.Decode(payload)
		if err != nil {
			log.Printf("%s: bad snapshot: %v", topic, err)
			return
		}
		out, err := telemetry.Format(snap)
		if err != nil {
			log.Printf("%s: format error: %v", topic, err)
			return
		}
		log.Printf("%s: %s", strings.TrimSuffix(topic, "/status"), out)
	}))
	<-(chan struct{})(nil)
}
