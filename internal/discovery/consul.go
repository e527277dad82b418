package discovery

import (
	"fmt"
	"os"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Registration announces this instance to Consul with an HTTP health check
// on /health so the gateway only routes to live instances.
type Registration struct {
	client *consulapi.Client
	id     string
	logger *zap.Logger
}

func hostOrDefault(host string) string {
	if host != "" {
		return host
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}

func Register(addr, serviceName, host string, port int, logger *zap.Logger) (*Registration, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	host = hostOrDefault(host)
	id := fmt.Sprintf("%s-%s-%d", serviceName, host, port)
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    []string{"http", "ws"},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", host, port),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return nil, fmt.Errorf("consul register: %w", err)
	}
	logger.Info("registered with consul", zap.String("service_id", id), zap.String("consul", addr))
	return &Registration{client: client, id: id, logger: logger}, nil
}

func (r *Registration) ID() string { return r.id }

func (r *Registration) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.id); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	r.logger.Info("deregistered from consul", zap.String("service_id", r.id))
	return nil
}
