package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	geomqtt "github.com/flybeeper/geolog/internal/mqtt"
	"github.com/flybeeper/geolog/internal/models"
)

// Конфигурация симулятора
type SimConfig struct {
	BrokerURL   string
	TopicPrefix string
	DeviceID    string
	ClientID    string
	Activities  []models.Activity
	PhaseLength time.Duration
	Wire        bool
	ProfileID   int64
	MaxMessages int
	RandomSeed  int64
	StartLat    float64
	StartLon    float64
}

// скорость движения по активности, км/ч
var activitySpeed = map[models.Activity]float64{
	models.ActivityUnknown: 3,
	models.ActivityStill:   0,
	models.ActivityFoot:    5,
	models.ActivityBicycle: 18,
	models.ActivityVehicle: 60,
}

// DeviceState состояние симулированного устройства
type DeviceState struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Heading   float64
	Activity  models.Activity
	Battery   int
	Charging  bool
}

// DeviceSimulator публикует события устройства и выполняет управляющие сообщения
type DeviceSimulator struct {
	client mqtt.Client
	config *SimConfig
	rand   *rand.Rand
	state  DeviceState

	mu               sync.Mutex
	locationInterval time.Duration
	accuracy         models.Accuracy
	activityInterval time.Duration
	messages         int
}

func main() {
	// Параметры командной строки
	var (
		brokerURL  = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		prefix     = flag.String("prefix", "geolog", "Topic prefix")
		device     = flag.String("device", "default", "Device ID")
		clientID   = flag.String("client", "geolog-device-simulator", "MQTT client ID")
		activities = flag.String("activities", "still,foot,bicycle,vehicle", "Activity phases (comma-separated)")
		phase      = flag.Duration("phase", 5*time.Minute, "Duration of each activity phase")
		wire       = flag.Bool("wire", false, "Publish fixes in binary wire format instead of JSON")
		profile    = flag.Int64("profile", 0, "Select profile id on start (0 = keep current)")
		maxMsgs    = flag.Int("max", 0, "Max messages (0 = unlimited)")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		lat        = flag.Float64("lat", 52.37, "Start latitude")
		lon        = flag.Float64("lon", 4.89, "Start longitude")
	)
	flag.Parse()

	phases, err := parseActivities(*activities)
	if err != nil {
		log.Fatalf("Invalid activities: %v", err)
	}

	config := &SimConfig{
		BrokerURL:   *brokerURL,
		TopicPrefix: strings.Trim(*prefix, "/"),
		DeviceID:    *device,
		ClientID:    *clientID,
		Activities:  phases,
		PhaseLength: *phase,
		Wire:        *wire,
		ProfileID:   *profile,
		MaxMessages: *maxMsgs,
		RandomSeed:  *seed,
		StartLat:    *lat,
		StartLon:    *lon,
	}

	sim, err := NewDeviceSimulator(config)
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	fmt.Printf("🚀 Simulating device %q\n", config.DeviceID)
	fmt.Printf("📡 Broker: %s\n", config.BrokerURL)
	fmt.Printf("🏃 Phases: %v, %v each\n", config.Activities, config.PhaseLength)
	fmt.Printf("🌍 Start position: %.4f, %.4f\n", config.StartLat, config.StartLon)
	fmt.Println()

	// Обработка сигналов для graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		sim.Run(stop)
		close(done)
	}()

	select {
	case <-sigChan:
		fmt.Println("\n⏹️  Shutting down...")
		close(stop)
		<-done
	case <-done:
		fmt.Println("\n✅ Message limit reached")
	}

	sim.client.Disconnect(1000)
}

// NewDeviceSimulator подключается к брокеру и подписывается на управляющие топики
func NewDeviceSimulator(config *SimConfig) (*DeviceSimulator, error) {
	sim := &DeviceSimulator{
		config: config,
		rand:   rand.New(rand.NewSource(config.RandomSeed)),
		state: DeviceState{
			Latitude:  config.StartLat,
			Longitude: config.StartLon,
			Altitude:  10,
			Battery:   90,
			Activity:  config.Activities[0],
		},
	}
	sim.state.Heading = sim.rand.Float64() * 360

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := sim.topic("control/+")
		if token := c.Subscribe(topic, 1, sim.handleControl); token.Wait() && token.Error() != nil {
			log.Printf("❌ Failed to subscribe to %s: %v", topic, token.Error())
		}
	})

	sim.client = mqtt.NewClient(opts)
	if token := sim.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	fmt.Println("✅ Connected to MQTT broker")
	return sim, nil
}

func (s *DeviceSimulator) topic(kind string) string {
	return fmt.Sprintf("%s/%s/%s", s.config.TopicPrefix, s.config.DeviceID, kind)
}

// handleControl применяет retained управляющие сообщения сервиса
func (s *DeviceSimulator) handleControl(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasSuffix(msg.Topic(), "/location"):
		var ctl geomqtt.LocationControl
		if err := json.Unmarshal(msg.Payload(), &ctl); err != nil {
			log.Printf("❌ Bad location control: %v", err)
			return
		}
		s.accuracy = ctl.Accuracy
		s.locationInterval = time.Duration(ctl.IntervalMs) * time.Millisecond
		fmt.Printf("📍 Location: %s every %v\n", ctl.Accuracy, s.locationInterval)

	case strings.HasSuffix(msg.Topic(), "/activity"):
		var ctl geomqtt.ActivityControl
		if err := json.Unmarshal(msg.Payload(), &ctl); err != nil {
			log.Printf("❌ Bad activity control: %v", err)
			return
		}
		s.activityInterval = time.Duration(ctl.IntervalMs) * time.Millisecond
		fmt.Printf("🏃 Activity recognition every %v\n", s.activityInterval)
	}
}

// Run публикует события, пока не закрыт stop или не достигнут лимит
func (s *DeviceSimulator) Run(stop <-chan struct{}) {
	if s.config.ProfileID > 0 {
		s.publishJSON("profile", map[string]int64{"id": s.config.ProfileID})
	}
	s.publishBattery()

	start := time.Now()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var lastFix, lastActivity, lastBattery time.Time
	for {
		select {
		case <-stop:
			return
		case now := <-tick.C:
			s.move(time.Second)

			phase := int(now.Sub(start)/s.config.PhaseLength) % len(s.config.Activities)
			s.state.Activity = s.config.Activities[phase]

			s.mu.Lock()
			locInterval, actInterval := s.locationInterval, s.activityInterval
			accuracy := s.accuracy
			s.mu.Unlock()

			if actInterval > 0 && now.Sub(lastActivity) >= actInterval {
				s.publishJSON("activity", map[string]interface{}{
					"activity":   s.state.Activity,
					"confidence": 60 + s.rand.Intn(41),
				})
				lastActivity = now
			}

			if locInterval > 0 && accuracy != models.AccuracyNone && now.Sub(lastFix) >= locInterval {
				s.publishFix(now, accuracy)
				lastFix = now
			}

			if now.Sub(lastBattery) >= time.Minute {
				s.state.Battery--
				if s.state.Battery < 15 {
					s.state.Battery = 100
				}
				s.publishBattery()
				lastBattery = now
			}

			if s.config.MaxMessages > 0 && s.messages >= s.config.MaxMessages {
				return
			}
		}
	}
}

// move смещает устройство по курсу со скоростью текущей активности
func (s *DeviceSimulator) move(dt time.Duration) {
	speed := activitySpeed[s.state.Activity] / 3.6 // м/с
	if speed == 0 {
		return
	}
	s.state.Heading = math.Mod(s.state.Heading+s.rand.Float64()*20-10+360, 360)

	dist := speed * dt.Seconds()
	rad := s.state.Heading * math.Pi / 180
	s.state.Latitude += dist * math.Cos(rad) / 111320
	s.state.Longitude += dist * math.Sin(rad) / (111320 * math.Cos(s.state.Latitude*math.Pi/180))
}

func (s *DeviceSimulator) publishFix(now time.Time, accuracy models.Accuracy) {
	acc := float32(3 + s.rand.Float64()*7)
	if accuracy == models.AccuracyLow {
		acc = float32(30 + s.rand.Float64()*70)
	}
	speed := float32(activitySpeed[s.state.Activity] / 3.6)
	bearing := float32(s.state.Heading)
	alt := s.state.Altitude

	fix := models.RawFix{
		Latitude:  s.state.Latitude,
		Longitude: s.state.Longitude,
		Altitude:  &alt,
		Bearing:   &bearing,
		Speed:     &speed,
		AccuracyM: &acc,
		Time:      now,
	}

	if s.config.Wire {
		s.publish("location", geomqtt.EncodeFix(fix))
		return
	}
	s.publishJSON("location", fix)
}

func (s *DeviceSimulator) publishBattery() {
	s.publishJSON("battery", map[string]interface{}{
		"level":    s.state.Battery,
		"charging": s.state.Charging,
	})
}

func (s *DeviceSimulator) publishJSON(kind string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("❌ Failed to marshal %s: %v", kind, err)
		return
	}
	s.publish(kind, payload)
}

func (s *DeviceSimulator) publish(kind string, payload []byte) {
	token := s.client.Publish(s.topic(kind), 1, false, payload)
	if token.Wait() && token.Error() != nil {
		log.Printf("❌ Publish error: %v", token.Error())
		return
	}
	s.messages++
	fmt.Printf("📤 %-8s %d bytes\n", kind, len(payload))
}

func parseActivities(s string) ([]models.Activity, error) {
	var result []models.Activity
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := models.ParseActivity(part)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("at least one activity is required")
	}
	return result, nil
}
