package mqtttest

import (
	"errors"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var _ pahomqtt.Client = (*Client)(nil)

func connected(t *testing.T) *Client {
	t.Helper()

	c := New()
	c.Factory(pahomqtt.NewClientOptions().SetClientID("api"))
	if err := c.Connect().Error(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestClient_ResubscribeAfterLossKeepsOneRoute(t *testing.T) {
	tests := []struct {
		name string
		drop func(c *Client)
	}{
		{"connection lost", func(c *Client) { c.DropConnection(errors.New("EOF")) }},
		{"disconnect", func(c *Client) { c.Disconnect(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connected(t)
			calls := 0
			handler := func(pahomqtt.Client, pahomqtt.Message) { calls++ }

			c.Subscribe("aquafeed/+/agua", 0, handler)
			tt.drop(c)
			if got := c.Filters(); len(got) != 0 {
				t.Fatalf("filters after loss = %v, want none", got)
			}

			c.Connect()
			c.Subscribe("aquafeed/+/agua", 0, handler)
			if got := c.Filters(); len(got) != 1 || got[0] != "aquafeed/+/agua" {
				t.Errorf("filters = %v, want [aquafeed/+/agua]", got)
			}
			if n := c.Deliver("aquafeed/tank-1/agua", []byte(`{"ph":7}`)); n != 1 || calls != 1 {
				t.Errorf("Deliver() = %d handlers, %d calls, want 1 and 1", n, calls)
			}
		})
	}
}

func TestClient_UnsubscribeThenSubscribe(t *testing.T) {
	c := connected(t)
	handler := func(pahomqtt.Client, pahomqtt.Message) {}

	c.Subscribe("aquafeed/+/agua", 0, handler)
	c.Subscribe("aquafeed/+/ambiente", 0, handler)
	c.Unsubscribe("aquafeed/+/agua")
	c.Subscribe("aquafeed/+/agua", 0, handler)

	got := c.Filters()
	if len(got) != 2 || got[0] != "aquafeed/+/ambiente" || got[1] != "aquafeed/+/agua" {
		t.Errorf("filters = %v, want [aquafeed/+/ambiente aquafeed/+/agua]", got)
	}
}

func TestClient_OptionsReader(t *testing.T) {
	empty := New().OptionsReader()
	if id := empty.ClientID(); id != "" {
		t.Errorf("ClientID() before Factory = %q, want empty", id)
	}
	r := connected(t).OptionsReader()
	if id := r.ClientID(); id != "api" {
		t.Errorf("ClientID() = %q, want api", id)
	}
}
