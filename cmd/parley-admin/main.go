package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/globals"
	"github.com/parleychat/parley/persistence"
	"github.com/parleychat/parley/types"
)

// A very simple CLI tool for the administration of parley rooms and users.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		globals.AppLogger.Error("no persistence configured, set persistence.type and persistence.dsn")
		os.Exit(1)
	}
	defer persister.Close()

	printJSON := func(v interface{}) {
		out, err := json.Marshal(v)
		if err != nil {
			globals.AppLogger.Error("could not marshal", "error", err)
			return
		}
		fmt.Println(string(out))
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or users",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show all rooms",
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show one room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(&room); err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show all users",
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show one user",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.GetUser(&user); err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete a room or user",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete one room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if args[0] == types.GlobalRoomId {
				globals.AppLogger.Error("refusing to delete the global room")
				return
			}
			if err := persister.DeleteRoom(&types.Room{Id: args[0]}); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete one user",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.DeleteUser(&types.User{Id: args[0]}); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
			}
		},
	}

	var roomSecret string
	var roomOwner string
	var cmdSetRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Create or update a room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			err := persister.GetRoom(&room)
			if err != nil {
				room = types.Room{Id: args[0], Theme: types.DefaultTheme(), CreatedAt: time.Now()}
			}
			if roomOwner != "" {
				room.Owner = roomOwner
			}
			if roomSecret != "" {
				cost := globalConfig.BcryptCost
				if cost <= 0 {
					cost = bcrypt.DefaultCost
				}
				hashed, err := bcrypt.GenerateFromPassword([]byte(roomSecret), cost)
				if err != nil {
					globals.AppLogger.Error("could not hash secret", "error", err)
					return
				}
				room.SecretHash = string(hashed)
			}
			if err := persister.StoreRoom(&room); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	cmdSetRoom.Flags().StringVar(&roomSecret, "secret", "", "room access secret (stored hashed)")
	cmdSetRoom.Flags().StringVar(&roomOwner, "owner", "", "room owner nick")
	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create or update a room",
	}

	var cmdBan = &cobra.Command{
		Use:   "ban [room id] [nick]",
		Short: "Ban a nick from a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.UpdateRoom(args[0], func(r *types.Room) error {
				r.Banned.Add(args[1])
				return nil
			})
			if err != nil {
				globals.AppLogger.Error("could not ban", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdUnban = &cobra.Command{
		Use:   "unban [room id] [nick]",
		Short: "Lift a ban",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.UpdateRoom(args[0], func(r *types.Room) error {
				r.Banned.Remove(args[1])
				return nil
			})
			if err != nil {
				globals.AppLogger.Error("could not unban", "error", err)
				return
			}
			printJSON(room)
		},
	}

	var inviteHours int
	var cmdInvite = &cobra.Command{
		Use:   "invite [room id]",
		Short: "Mint a single-use invite token for a room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.GetRoom(&room); err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			now := time.Now().UTC()
			expires := now.Add(time.Duration(inviteHours) * time.Hour)
			token := &types.InviteToken{
				Token:     uuid.NewString(),
				RoomId:    room.Id,
				SingleUse: true,
				ExpiresAt: &expires,
				CreatedAt: now,
			}
			if err := persister.CreateInvite(token); err != nil {
				globals.AppLogger.Error("could not create invite", "error", err)
				return
			}
			printJSON(token)
		},
	}
	cmdInvite.Flags().IntVar(&inviteHours, "hours", 24, "validity in hours")

	var rootCmd = &cobra.Command{Use: "parley-admin"}
	rootCmd.AddCommand(cmdShow, cmdDelete, cmdSet, cmdBan, cmdUnban, cmdInvite)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteUser)
	cmdSet.AddCommand(cmdSetRoom)
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
	}
}
