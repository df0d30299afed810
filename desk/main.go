// Command desk is the order-desk terminal client: orders and support chat
// against the order-desk backend, with a live websocket chat session.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/order-desk/api"
	"github.com/gosuda/order-desk/config"
	"github.com/gosuda/order-desk/socket"
	"github.com/gosuda/order-desk/store"
)

var rootCmd = &cobra.Command{
	Use:           "desk",
	Short:         "Terminal client for the order-desk dashboard",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig   string
	flagName     string
	flagEmail    string
	flagPassword string
	flagAllChats bool
	flagSummary  string
)

// session bundles what every subcommand needs.
type session struct {
	cfg    config.Config
	client *api.Client
}

func newSession() (*session, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}
	s.client = api.New(api.Config{
		BaseURL: cfg.APIURL,
		Token:   func() string { return config.LoadToken(cfg.TokenPath) },
		OnUnauthorized: func() {
			_ = config.ClearToken(cfg.TokenPath)
			log.Warn().Msg("[desk] session expired, logged out")
		},
	})
	return s, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default "+config.DefaultPath()+")")

	loginCmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and store the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			sess, err := s.client.Login(cmd.Context(), args[0], flagPassword)
			if err != nil {
				return err
			}
			if err := config.SaveToken(s.cfg.TokenPath, sess.Token); err != nil {
				return err
			}
			fmt.Printf("logged in as %s (%s)\n", sess.User.Name, sess.User.Role)
			return nil
		},
	}
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("password")

	registerCmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			sess, err := s.client.Register(cmd.Context(), flagName, args[0], flagPassword)
			if err != nil {
				return err
			}
			if err := config.SaveToken(s.cfg.TokenPath, sess.Token); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", sess.User.Email)
			return nil
		},
	}
	registerCmd.Flags().StringVar(&flagName, "name", "", "display name")
	registerCmd.Flags().StringVar(&flagPassword, "password", "", "account password")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("password")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Drop the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			return config.ClearToken(s.cfg.TokenPath)
		},
	}

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			u, err := s.client.Profile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> role=%s id=%s\n", u.Name, u.Email, u.Role, u.ID)
			return nil
		},
	}

	ordersCmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			orders, err := s.client.Orders(cmd.Context())
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				fmt.Println("no orders")
				return nil
			}
			for _, o := range orders {
				fmt.Printf("%-12s %-4s %-8s %10.2f x%-8g %-10s %s\n",
					o.ID, o.Type, o.Symbol, o.Price, o.Quantity, o.Status,
					o.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	var (
		flagOrderType string
		flagSymbol    string
		flagPrice     float64
		flagQuantity  float64
	)
	orderCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new order",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			o, err := s.client.CreateOrder(cmd.Context(), api.NewOrder{
				Type:     flagOrderType,
				Symbol:   flagSymbol,
				Price:    flagPrice,
				Quantity: flagQuantity,
			})
			if err != nil {
				return err
			}
			fmt.Printf("order %s created (%s)\n", o.ID, o.Status)
			return nil
		},
	}
	orderCreateCmd.Flags().StringVar(&flagOrderType, "type", "buy", "order type (buy/sell)")
	orderCreateCmd.Flags().StringVar(&flagSymbol, "symbol", "", "instrument symbol")
	orderCreateCmd.Flags().Float64Var(&flagPrice, "price", 0, "limit price")
	orderCreateCmd.Flags().Float64Var(&flagQuantity, "quantity", 0, "quantity")
	_ = orderCreateCmd.MarkFlagRequired("symbol")

	orderStatusCmd := &cobra.Command{
		Use:   "status <order-id> <status>",
		Short: "Transition an order's status (staff)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			o, err := s.client.UpdateOrderStatus(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("order %s is now %s\n", o.ID, o.Status)
			return nil
		},
	}
	ordersCmd.AddCommand(orderCreateCmd, orderStatusCmd)

	chatsCmd := &cobra.Command{
		Use:   "chats",
		Short: "List chat rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			var (
				rooms []api.ChatRoom
				err2  error
			)
			if flagAllChats {
				rooms, err2 = s.client.ChatRooms(cmd.Context())
			} else {
				rooms, err2 = s.client.MyChatRooms(cmd.Context())
			}
			if err2 != nil {
				return err2
			}
			if len(rooms) == 0 {
				fmt.Println("no chat rooms")
				return nil
			}
			for _, r := range rooms {
				state := "open"
				if !r.Active {
					state = "closed"
				}
				fmt.Printf("%-12s order=%-12s %-6s %s\n", r.ID, r.OrderID, state, r.Summary)
			}
			return nil
		},
	}
	chatsCmd.Flags().BoolVar(&flagAllChats, "all", false, "list every room (staff)")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Support chat rooms",
	}

	chatNewCmd := &cobra.Command{
		Use:   "new <order-id>",
		Short: "Open a support room for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			r, err := s.client.CreateChatRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("chat room %s opened for order %s\n", r.ID, r.OrderID)
			return nil
		},
	}

	chatCloseCmd := &cobra.Command{
		Use:   "close <room-id>",
		Short: "Close a room with a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			r, err := s.client.CloseChatRoom(cmd.Context(), args[0], flagSummary)
			if err != nil {
				return err
			}
			fmt.Printf("chat room %s closed\n", r.ID)
			return nil
		},
	}
	chatCloseCmd.Flags().StringVar(&flagSummary, "summary", "", "closing summary")
	_ = chatCloseCmd.MarkFlagRequired("summary")

	chatOpenCmd := &cobra.Command{
		Use:   "open <room-id>",
		Short: "Join a room and chat live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatSession(cmd.Context(), args[0])
		},
	}
	chatCmd.AddCommand(chatNewCmd, chatCloseCmd, chatOpenCmd)

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, ordersCmd, chatsCmd, chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("execute desk command")
	}
}

// terminalNotifier renders connection toasts on the terminal.
type terminalNotifier struct{}

func (terminalNotifier) Notify(text string)      { fmt.Printf("* %s\n", text) }
func (terminalNotifier) NotifyError(text string) { fmt.Printf("! %s\n", text) }

func runChatSession(ctx context.Context, roomID string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	me, err := s.client.Profile(ctx)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	mgr := socket.NewManager(socket.Config{
		URL:    s.cfg.WSURL,
		Token:  func() string { return config.LoadToken(s.cfg.TokenPath) },
		Notify: terminalNotifier{},
	})
	defer mgr.Disconnect()

	st := store.New()
	ctl := NewRoomController(s.client, mgr, st, roomID, me.ID)
	ctl.OnAppend = func(m store.Message) { printMessage(me.ID, m) }
	if err := ctl.Open(ctx); err != nil {
		return err
	}
	defer ctl.Close()

	if room, ok := st.Current(); ok {
		if !room.Active {
			fmt.Printf("room %s is closed: %s\n", room.ID, room.Summary)
		}
		for _, m := range room.Messages {
			printMessage(me.ID, m)
		}
	}

	fmt.Println("type to chat, /quit to leave")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/quit" {
			break
		}
		if err := ctl.Send(line); err != nil {
			if errors.Is(err, socket.ErrNotConnected) {
				fmt.Println("! not connected, message not sent; try again")
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

func printMessage(selfID string, m store.Message) {
	who := m.SenderID
	if m.SenderID == selfID {
		who = "you"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), who, m.Content)
}
