package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/notify"
)

var listenBinding string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Tail inbound SMS events from the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rabbit, err := notify.NewRabbitClient(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return eris.Wrap(err, "connect rabbitmq")
		}
		defer rabbit.Close()

		consumer, err := notify.StartConsumer(rabbit.GetConnection(), cfg.RabbitMQ.Exchange, listenBinding, func(ev notify.Event) {
			zap.L().Info("sms event",
				zap.String("message_id", ev.MessageID.String()),
				zap.String("sender", ev.Sender),
				zap.String("lead", ev.LeadName),
				zap.String("assigned_to", ev.AssignedTo),
				zap.Bool("orphan", ev.Orphan),
				zap.String("body", ev.Body),
			)
		})
		if err != nil {
			return eris.Wrap(err, "start consumer")
		}

		zap.L().Info("listening for events", zap.String("binding", listenBinding))
		<-ctx.Done()
		consumer.Stop()
		return nil
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenBinding, "binding", "sms.inbound.#", "AMQP binding key to consume")
	rootCmd.AddCommand(listenCmd)
}
