// Package mqtt provides MQTT client connectivity for wavemeterd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// wavemeterd is a pure publisher: live channel values and bin summaries
// flow out to whoever listens (lab dashboards, loggers, alerting), and
// nothing flows back in. The client therefore carries no subscription
// machinery; consumers subscribe on their own clients.
//
//	wavemeterd → MQTT Broker → dashboards / loggers
//
// # Topic Hierarchy
//
// All topics live beneath a configurable root (default "wavemeter"):
//
//	wavemeter/state/<channel>  retained, throttled live values
//	wavemeter/bins/<channel>   bin summaries, QoS 1, not retained
//	wavemeter/status/server    retained server status, LWT on crash
//
// # Security Considerations
//
//   - TLS is available for off-host brokers (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := client.Topics().State("wavelength_vac_nm")
//	client.PublishRetained(topic, []byte(`{"value":780.2412}`))
package mqtt
