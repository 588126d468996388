package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotedgekit/uabridge/opcua"
	"github.com/iotedgekit/uabridge/pubsub"
	"github.com/iotedgekit/uabridge/utils"
)

func main() {
	version := "v1.0.0"
	banner := `
 _   _       ____       _     _
| | | | __ _| __ ) _ __(_) __| | __ _  ___  %s
| | | |/ _' |  _ \| '__| |/ _' |/ _' |/ _ \
| |_| | (_| | |_) | |  | | (_| | (_| |  __/
 \___/ \__,_|____/|_|  |_|\__,_|\__, |\___|
OPC UA Node Bridge & Publisher  |___/
___________________________________________O/_________
%s                                          O\
`
	fmt.Println(utils.Colorize(fmt.Sprintf(banner, version, "https://github.com/iotedgekit/uabridge"), utils.Cyan))

	configs := utils.GetConfig()
	log := utils.NewLogger()

	users := make([]opcua.UserConfig, 0, len(configs.UserIds))
	for _, u := range configs.UserIds {
		users = append(users, opcua.UserConfig{ID: u.Username, Passwd: u.Password})
	}

	srv, err := opcua.NewServer(configs.Server.Port,
		opcua.WithHost(configs.Server.Host),
		opcua.WithUsers(users),
		opcua.WithServerLogger(log),
		opcua.WithAdditionalHosts(configs.Certificate.AdditionalHosts...),
	)
	if err != nil {
		log.WithError(err).Fatal("creating server")
	}

	// Demo nodes: a device object carrying two measurements.
	device := opcua.Object{BrowseName: "PlantDevice", DisplayName: "Plant Device"}
	temperature := opcua.MustVariable(20.0)
	temperature.BrowseName = "Temperature"
	temperature.DisplayName = "Temperature"
	pressure := opcua.MustVariable(80.0)
	pressure.BrowseName = "Pressure"
	pressure.DisplayName = "Pressure"
	device.AddVariable(temperature)
	device.AddVariable(pressure)

	deviceID, err := srv.AddObjectNode(device)
	if err != nil {
		log.WithError(err).Fatal("adding device object")
	}
	tempID := opcua.Resolve(deviceID, srv.Find("Temperature"))
	presID := opcua.Resolve(deviceID, srv.Find("Pressure"))
	if opcua.IsNilNode(tempID) || opcua.IsNilNode(presID) {
		log.Fatal("device measurements not found after registration")
	}

	srv.Start()
	log.Infof("server listening at %s", utils.Colorize(srv.EndpointURL(), utils.Cyan))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Random-walk both measurements so subscribers and the dataset stream
	// have something to watch.
	go func() {
		ticker := time.NewTicker(time.Duration(configs.SamplingIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		temp, pres := 20.0, 80.0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				temp += rand.Float64() - 0.5
				pres += rand.Float64() - 0.5
				srv.Write(tempID, opcua.MustVariable(temp))
				srv.Write(presID, opcua.MustVariable(pres))
			}
		}
	}()

	profile := pubsub.ProfileUDPUADP
	switch configs.PubSub.Profile {
	case "mqtt-uadp":
		profile = pubsub.ProfileMQTTUADP
	case "mqtt-json":
		profile = pubsub.ProfileMQTTJSON
	}
	publisher, err := pubsub.NewPublisher(ctx, srv, configs.PubSub.Name, configs.PubSub.Address, profile,
		pubsub.WithTopic(configs.PubSub.Topic),
		pubsub.WithKeyFrameCount(uint64(configs.PubSub.KeyFrameCount)),
		pubsub.WithPublisherLogger(log),
	)
	if err != nil {
		log.WithError(err).Fatal("creating publisher")
	}
	if publisher.Connected() {
		fields := []pubsub.DataSetField{
			{Name: "Temperature", Node: tempID},
			{Name: "Pressure", Node: presID},
		}
		interval := time.Duration(configs.PubSub.PublishingIntervalMs) * time.Millisecond
		if err := publisher.Publish(fields, interval); err != nil {
			log.WithError(err).Error("starting dataset stream")
		} else {
			log.Info(utils.Colorize(fmt.Sprintf("publishing datasets to %s", configs.PubSub.Address), utils.Green))
		}
	}

	// Wait for a signal before exiting
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	signal.Notify(sig, syscall.SIGTERM)
	<-sig
	log.Info("stopping server...")
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := publisher.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("stopping publisher")
	}
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("stopping server")
	}
	srv.Join()
}
