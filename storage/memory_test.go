package storage_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vegsecai/vegsec/storage"
)

var _ = Describe("MemoryStore", func() {
	var (
		ctx   context.Context
		store *storage.MemoryStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = storage.NewMemoryStore()
	})

	It("behaves like the SQLite store for the identity surface", func() {
		Expect(store.SaveUser(ctx, storage.User{
			Username: "alice",
			Email:    "a@b.com",
		})).To(Succeed())

		Expect(store.UsernameExists(ctx, "alice")).To(BeTrue())
		Expect(store.EmailExists(ctx, "a@b.com")).To(BeTrue())
		Expect(store.UsernameByEmail(ctx, "a@b.com")).To(Equal("alice"))

		Expect(store.MarkVerified(ctx, "a@b.com")).To(Succeed())
		user, err := store.UserByUsername(ctx, "alice")
		Expect(err).To(Succeed())
		Expect(user.Verified).To(BeTrue())
	})

	It("distinguishes unknown users from users without a reset token", func() {
		_, _, userExists, err := store.ResetToken(ctx, "nobody")
		Expect(err).To(Succeed())
		Expect(userExists).To(BeFalse())

		Expect(store.SaveUser(ctx, storage.User{Username: "alice"})).To(Succeed())

		token, _, userExists, err := store.ResetToken(ctx, "alice")
		Expect(err).To(Succeed())
		Expect(userExists).To(BeTrue())
		Expect(token).To(BeEmpty())
	})

	It("orders history newest first and replaces by hash", func() {
		base := time.Now()

		Expect(store.SaveImageCache(ctx, storage.HistoryRecord{
			Timestamp: base.Add(-time.Hour),
			ImageHash: "old",
			Username:  "alice",
		})).To(Succeed())
		Expect(store.SaveImageCache(ctx, storage.HistoryRecord{
			Timestamp: base,
			ImageHash: "new",
			Username:  "alice",
		})).To(Succeed())
		Expect(store.SaveImageCache(ctx, storage.HistoryRecord{
			Timestamp: base.Add(-30 * time.Minute),
			ImageHash: "old",
			Username:  "alice",
			Question:  "again",
		})).To(Succeed())

		records, err := store.History(ctx, "alice")
		Expect(err).To(Succeed())
		Expect(records).To(HaveLen(2))
		Expect(records[0].ImageHash).To(Equal("new"))
		Expect(records[1].Question).To(Equal("again"))
	})
})
