package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitsub"
	"github.com/glimte/rabbitsub/config"
	"github.com/glimte/rabbitsub/internal/rabbitmq/rabbitmqtest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWith(t, nil, args...)
}

func executeWith(t *testing.T, opts []rabbitsub.ClientOption, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(opts...)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newFlagCmd() (*cobra.Command, *globalFlags) {
	g := &globalFlags{}
	cmd := &cobra.Command{Use: "test"}
	g.bind(cmd)
	return cmd, g
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rabbitsub.yaml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Host, cfg.Host)
	assert.Equal(t, config.Default().BackoffUnit, cfg.BackoffUnit)
	assert.Equal(t, config.MaxReconnectRetry, cfg.ReconnectRetry)

	_, err = execute(t, "init", path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestPublishCommand(t *testing.T) {
	writeConfig := func(t *testing.T) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "rabbitsub.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backoff_unit: 1ms\n"), 0o644))
		return path
	}
	bodies := func(broker *rabbitmqtest.Broker) []string {
		var out []string
		for _, p := range broker.Published() {
			out = append(out, string(p.Msg.Body))
		}
		return out
	}

	t.Run("retries only the failed message", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{nil, amqp.ErrClosed}

		out, err := executeWith(t, []rabbitsub.ClientOption{rabbitsub.WithDialer(broker)},
			"--config", writeConfig(t), "publish", "orders", "a", "b", "--retries", "1")

		require.NoError(t, err)
		assert.Contains(t, out, "published 2 message(s) to orders")
		assert.Equal(t, []string{`"a"`, `"b"`}, bodies(broker))
	})

	t.Run("names the message that could not be sent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{nil, amqp.ErrClosed, amqp.ErrClosed}

		_, err := executeWith(t, []rabbitsub.ClientOption{rabbitsub.WithDialer(broker)},
			"--config", writeConfig(t), "publish", "orders", "a", "b", "c", "--retries", "1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "message 2")
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.Equal(t, []string{`"a"`}, bodies(broker))
	})

	t.Run("batch is retried as a whole", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{amqp.ErrClosed}

		_, err := executeWith(t, []rabbitsub.ClientOption{rabbitsub.WithDialer(broker)},
			"--config", writeConfig(t), "publish", "orders", `{"id":1}`, `{"id":2}`, "--batch", "--retries", "1")

		require.NoError(t, err)
		assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, bodies(broker))
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("flags override the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rabbitsub.yaml")
		require.NoError(t, os.WriteFile(path, []byte("host: broker\nport: 5673\nsubscribes: [audit]\n"), 0o644))

		cmd, g := newFlagCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--port", "5674", "--vhost", "orders"}))

		cfg, err := loadConfig(cmd, g, map[string]any{"memory": 64})
		require.NoError(t, err)
		assert.Equal(t, "broker", cfg.Host)
		assert.Equal(t, 5674, cfg.Port)
		assert.Equal(t, "orders", cfg.Vhost)
		assert.Equal(t, 64, cfg.Memory)
		assert.Equal(t, []string{"audit"}, cfg.Subscribes)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		cmd, g := newFlagCmd()
		_, err := loadConfig(cmd, g, map[string]any{"memory": -1})
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		cmd, g := newFlagCmd()
		g.configPath = filepath.Join(t.TempDir(), "none.yaml")
		_, err := loadConfig(cmd, g, nil)
		assert.Error(t, err)
	})
}

func TestParseMessages(t *testing.T) {
	messages := parseMessages([]string{`{"id":1}`, "hello", "42"})
	require.Len(t, messages, 3)

	data, err := json.Marshal(messages)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1},"hello",42]`, string(data))
}
