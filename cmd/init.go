package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/cosmobot/cosmo/cosmo"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"log"
	"strings"
	"syscall"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

// guildFlags holds the guild settings given to 'init'. Empty values
// leave the stored setting unchanged.
var guildFlags struct {
	GuildID           string
	CaseID            int
	RoleBirthday      string
	RoleNewMember     string
	ChannelPublicLogs string
	ChannelChatGPT    string
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, guild settings and admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("COSMO_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"COSMO_DATABASE not set (must be a valid database " +
					"connection string or sqlite file path)",
			)
		}

		guildID := guildFlags.GuildID
		if guildID == "" {
			guildID = cfg.Discord.GuildID
		}
		if guildID == "" {
			log.Fatal("--guild-id or COSMO_DISCORD_GUILD_ID must be set")
		}

		db, err := cosmo.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		var guild cosmo.Guild
		err = db.WithContext(ctx).Take(&guild, "id = ?", guildID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			guild = cosmo.Guild{ID: guildID, CaseID: cosmo.DefaultFirstCaseID}
			fmt.Fprintf(out, "Creating settings for guild %s\n", guildID)
		case err != nil:
			log.Fatalf("Error retrieving guild: %v", err)
		}

		if guildFlags.CaseID > 0 {
			guild.CaseID = guildFlags.CaseID
		}
		setIfNotEmpty(&guild.RoleBirthday, guildFlags.RoleBirthday)
		setIfNotEmpty(&guild.RoleNewMember, guildFlags.RoleNewMember)
		setIfNotEmpty(&guild.ChannelPublicLogs, guildFlags.ChannelPublicLogs)
		setIfNotEmpty(&guild.ChannelChatGPT, guildFlags.ChannelChatGPT)

		if guild.AdminUsername == "" || guild.AdminPassword == "" {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(cmd.InOrStdin())

			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)
			if username == "" {
				log.Fatal("Admin username can't be empty")
			}

			readPassword := customPasswordReader
			if readPassword == nil {
				readPassword = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, err := readPassword()
				if err != nil {
					log.Fatalf("Error reading password: %v", err)
				}
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmBytes, err := readPassword()
				if err != nil {
					log.Fatalf("Error reading password: %v", err)
				}
				fmt.Fprintln(out)

				if password != "" && password == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			hashedPassword, err := cosmo.HashPassword(password)
			if err != nil {
				log.Fatalf("Error hashing password: %v", err)
			}
			guild.AdminUsername = username
			guild.AdminPassword = hashedPassword
			fmt.Fprintln(out, "Admin credentials set successfully.")
		} else {
			fmt.Fprintln(out, "Admin credentials are already set.")
		}

		if err = db.WithContext(ctx).Save(&guild).Error; err != nil {
			log.Fatalf("Error saving guild settings: %v", err)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func setIfNotEmpty(field *string, value string) {
	if value != "" {
		*field = value
	}
}

func init() {
	rootCmd.AddCommand(initCmd)

	flags := initCmd.Flags()
	flags.StringVar(&guildFlags.GuildID, "guild-id", "", "Guild to configure (defaults to discord.guild_id)")
	flags.IntVar(&guildFlags.CaseID, "case-id", 0, "Number to assign to the next moderation case")
	flags.StringVar(&guildFlags.RoleBirthday, "role-birthday", "", "Birthday role ID")
	flags.StringVar(&guildFlags.RoleNewMember, "role-new-member", "", "New member role ID")
	flags.StringVar(&guildFlags.ChannelPublicLogs, "channel-public-logs", "", "Channel ID for public moderation logs")
	flags.StringVar(&guildFlags.ChannelChatGPT, "channel-chatgpt", "", "Channel ID monitored for ChatGPT questions")
}
