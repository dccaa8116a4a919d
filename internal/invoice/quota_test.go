package invoice

import (
	"errors"
	"path/filepath"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

var _ = Describe("Ledger", func() {
	var (
		db     *BoltDB
		ledger *Ledger
	)

	BeforeEach(func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
		ledger = NewLedger(db)

		Expect(db.SaveAccount(&Account{
			ID:               "acct-1",
			UploadsLimit:     3,
			ExtractionsLimit: 2,
		})).To(Succeed())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("Reserve", func() {
		When("quota remains", func() {
			It("increments usage and returns a reservation", func() {
				reservation, err := ledger.Reserve("acct-1", QuotaUpload)
				Expect(err).NotTo(HaveOccurred())
				Expect(reservation.Kind).To(Equal(QuotaUpload))

				account, err := db.GetAccount("acct-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(account.UploadsUsed).To(Equal(1))
			})
		})

		When("the limit is reached", func() {
			BeforeEach(func() {
				for i := 0; i < 3; i++ {
					_, err := ledger.Reserve("acct-1", QuotaUpload)
					Expect(err).NotTo(HaveOccurred())
				}
			})

			It("returns QuotaExceededError and leaves usage unchanged", func() {
				_, err := ledger.Reserve("acct-1", QuotaUpload)
				var quotaErr *QuotaExceededError
				Expect(errors.As(err, &quotaErr)).To(BeTrue())
				Expect(quotaErr.Used).To(Equal(3))
				Expect(quotaErr.Limit).To(Equal(3))

				account, _ := db.GetAccount("acct-1")
				Expect(account.UploadsUsed).To(Equal(3))
			})
		})

		When("the kinds differ", func() {
			It("tracks upload and extraction usage independently", func() {
				_, err := ledger.Reserve("acct-1", QuotaExtraction)
				Expect(err).NotTo(HaveOccurred())

				account, _ := db.GetAccount("acct-1")
				Expect(account.UploadsUsed).To(Equal(0))
				Expect(account.ExtractionsUsed).To(Equal(1))
			})
		})

		When("the account does not exist", func() {
			It("returns ErrAccountNotFound", func() {
				_, err := ledger.Reserve("missing", QuotaUpload)
				Expect(err).To(MatchError(ErrAccountNotFound))
			})
		})

		When("N callers race for a limit of K", func() {
			It("admits exactly K regardless of interleaving", func() {
				const callers = 20
				var admitted atomic.Int32

				var group errgroup.Group
				for i := 0; i < callers; i++ {
					group.Go(func() error {
						_, err := ledger.Reserve("acct-1", QuotaUpload)
						if err == nil {
							admitted.Add(1)
							return nil
						}
						var quotaErr *QuotaExceededError
						if !errors.As(err, &quotaErr) {
							return err
						}
						return nil
					})
				}
				Expect(group.Wait()).To(Succeed())

				Expect(int(admitted.Load())).To(Equal(3))
				account, _ := db.GetAccount("acct-1")
				Expect(account.UploadsUsed).To(Equal(3))
			})
		})
	})

	Describe("Release", func() {
		var reservation *Reservation

		BeforeEach(func() {
			var err error
			reservation, err = ledger.Reserve("acct-1", QuotaUpload)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns the unit to the account", func() {
			Expect(ledger.Release(reservation)).To(Succeed())
			account, _ := db.GetAccount("acct-1")
			Expect(account.UploadsUsed).To(Equal(0))
		})

		It("is a no-op when called twice", func() {
			Expect(ledger.Release(reservation)).To(Succeed())
			Expect(ledger.Release(reservation)).To(Succeed())
			account, _ := db.GetAccount("acct-1")
			Expect(account.UploadsUsed).To(Equal(0))
		})

		It("tolerates a nil reservation", func() {
			Expect(ledger.Release(nil)).To(Succeed())
		})
	})
})
