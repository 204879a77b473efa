package pgrole_test

import (
	"database/sql"
	"fmt"
	"os"

	"code.cloudfoundry.org/lager"
	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/collation-ai/vibe-access-plane/internal/pgrole"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func openAdminDB() *sql.DB {
	host := getEnvOrDefault("POSTGRESQL_HOSTNAME", "localhost")
	port := getEnvOrDefault("POSTGRESQL_PORT", "5432")
	user := getEnvOrDefault("POSTGRESQL_USERNAME", "postgres")
	password := getEnvOrDefault("POSTGRESQL_PASSWORD", "")
	dbname := getEnvOrDefault("POSTGRESQL_DBNAME", "postgres")

	db, err := sql.Open("postgres", fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	))
	Expect(err).ToNot(HaveOccurred())
	return db
}

var _ = Describe("Manager", func() {
	var (
		db      *sql.DB
		manager *pgrole.Manager
	)

	BeforeEach(func() {
		db = openAdminDB()
		manager = pgrole.New(db, lager.NewLogger("pgrole-test"))
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("CreateRole and DropRole", func() {
		const username = "vibe_test_role_create"

		AfterEach(func() {
			manager.DropRole(username)
		})

		It("creates a login role and reports it existed on drop", func() {
			Expect(manager.CreateRole(username, "s3cret-pass!")).To(Succeed())

			existed, err := manager.DropRole(username)
			Expect(err).ToNot(HaveOccurred())
			Expect(existed).To(BeTrue())
		})
	})

	Describe("DropRole on a role that was never created", func() {
		It("reports it did not exist without erroring", func() {
			existed, err := manager.DropRole("vibe_test_role_never_created")
			Expect(err).ToNot(HaveOccurred())
			Expect(existed).To(BeFalse())
		})
	})

	Describe("ResetPassword", func() {
		const username = "vibe_test_role_reset"

		BeforeEach(func() {
			Expect(manager.CreateRole(username, "first-pass!")).To(Succeed())
		})

		AfterEach(func() {
			manager.DropRole(username)
		})

		It("rotates the login password in place", func() {
			Expect(manager.ResetPassword(username, "second-pass!")).To(Succeed())
		})
	})

	Describe("GrantConnect", func() {
		It("rejects a database name that fails strict identifier validation", func() {
			err := manager.GrantConnect("bad-db-name;drop", "whoever")
			Expect(err).To(HaveOccurred())
		})
	})
})
